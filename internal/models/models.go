package models

import (
	"time"

	"example.com/backstage/services/donations/internal/money"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Money columns hold integer hundredths; see money.CentsSerializer.
func init() {
	schema.RegisterSerializer(money.SerializerName, money.CentsSerializer{})
}

// AnonymousDonorID is the reserved donor id shared by every anonymous gift.
// Its ledger row aggregates all anonymous giving.
var AnonymousDonorID = uuid.MustParse("00000000-0000-0000-0000-00000000a707")

// PaymentStatus is the lifecycle state of a donation
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// DonationType classifies a contribution
type DonationType string

const (
	DonationTypeOneTime   DonationType = "one_time"
	DonationTypeRecurring DonationType = "recurring"
	DonationTypeInKind    DonationType = "in_kind"
)

// Role of a platform user
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the platform account a real donor belongs to. Only the donor flag
// is written by this service.
type User struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Email     string         `gorm:"not null;uniqueIndex" json:"email"`
	Name      string         `json:"name"`
	Role      Role           `gorm:"not null;default:user" json:"role"`
	IsDonor   bool           `gorm:"not null;default:false" json:"is_donor"`
}

// Donor is the ledger of a contributor's lifetime giving. Its id is the
// owning user's id, or AnonymousDonorID.
type Donor struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	TotalDonated     decimal.Decimal `gorm:"serializer:cents;type:bigint;not null;default:0" json:"total_donated"`
	LastDonationDate *time.Time      `json:"last_donation_date"`
	IsRecurringDonor bool            `gorm:"not null;default:false" json:"is_recurring_donor"`
	DonationTier     string          `json:"donation_tier"`
}

// IsAnonymous reports whether this is the shared anonymous ledger
func (d *Donor) IsAnonymous() bool {
	return d.ID == AnonymousDonorID
}

// Campaign is a fundraising goal
type Campaign struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt  `gorm:"index" json:"-"`
	Title         string          `gorm:"not null" json:"title"`
	GoalAmount    decimal.Decimal `gorm:"serializer:cents;type:bigint;not null" json:"goal_amount"`
	CurrentAmount decimal.Decimal `gorm:"serializer:cents;type:bigint;not null;default:0" json:"current_amount"`
	DonorCount    int64           `gorm:"not null;default:0" json:"donor_count"`
	IsActive      bool            `gorm:"not null" json:"is_active"`
	IsFeatured    bool            `gorm:"not null;default:false" json:"is_featured"`
	IsCompleted   bool            `gorm:"not null;default:false" json:"is_completed"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

// Donation is a single contribution event
type Donation struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DonorID           uuid.UUID       `gorm:"type:uuid;not null;index" json:"donor_id"`
	CampaignID        uint            `gorm:"not null;index" json:"campaign_id"`
	Amount            decimal.Decimal `gorm:"serializer:cents;type:bigint;not null" json:"amount"`
	Currency          string          `gorm:"type:char(3);not null" json:"currency"`
	DonationType      DonationType    `gorm:"not null;default:one_time" json:"donation_type"`
	PaymentMethod     string          `json:"payment_method"`
	PaymentStatus     PaymentStatus   `gorm:"not null;default:pending;index" json:"payment_status"`
	TransactionID     *string         `gorm:"uniqueIndex" json:"transaction_id"`
	ReceiptURL        *string         `json:"receipt_url"`
	IsAnonymous       bool            `gorm:"not null;default:false" json:"is_anonymous"`
	IsTaxDeductible   bool            `gorm:"not null" json:"is_tax_deductible"`
	IsAcknowledged    bool            `gorm:"not null;default:false" json:"is_acknowledged"`
	Notes             string          `gorm:"type:text" json:"notes"`
	DonatedAt         time.Time       `gorm:"not null" json:"donated_at"`
	AggregatesApplied bool            `gorm:"not null;default:false" json:"-"`
}

// IsCompleted reports whether the donation reached its terminal paid state
func (d *Donation) IsCompleted() bool {
	return d.PaymentStatus == PaymentStatusCompleted
}

// PaymentEvent records each delivery of a payment webhook
type PaymentEvent struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ReceivedAt    time.Time      `gorm:"autoCreateTime;index" json:"received_at"`
	TransactionID string         `gorm:"not null;index" json:"transaction_id"`
	DonationID    uint           `gorm:"index" json:"donation_id"`
	Duplicate     bool           `gorm:"not null;default:false" json:"duplicate"`
	Payload       datatypes.JSON `json:"payload"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Donor{},
		&Campaign{},
		&Donation{},
		&PaymentEvent{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
