package repositories

import (
	"context"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/money"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DonationRepository persists donation records and owns their idempotency on
// the external transaction id
type DonationRepository struct {
	db         *gorm.DB // Write database, or the active transaction
	readOnlyDB *gorm.DB // Read-only database
}

// NewDonationRepository creates a new donation repository
func NewDonationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DonationRepository {
	return &DonationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// WithTx returns a repository bound to tx
func (r *DonationRepository) WithTx(tx *gorm.DB) *DonationRepository {
	return &DonationRepository{db: tx, readOnlyDB: r.readOnlyDB}
}

// CompletionUpdates are the optional fields stamped when a donation completes
type CompletionUpdates struct {
	TransactionID *string
	PaymentMethod string
	ReceiptURL    *string
}

// FindByTransactionID looks a donation up by its external transaction id and
// locks the row for the rest of the transaction
func (r *DonationRepository) FindByTransactionID(ctx context.Context, txnID string) (*models.Donation, error) {
	var donation models.Donation
	err := forUpdate(r.db.WithContext(ctx)).Where("transaction_id = ?", txnID).First(&donation).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get donation by transaction id")
	}
	return &donation, nil
}

// Create inserts a new donation
func (r *DonationRepository) Create(ctx context.Context, donation *models.Donation) error {
	if err := prepareDonation(donation); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(donation).Error; err != nil {
		return errors.Wrap(err, "failed to create donation")
	}
	return nil
}

// CreateIfAbsent inserts donation unless a row with the same transaction id
// already exists. It reports whether this call inserted the row.
func (r *DonationRepository) CreateIfAbsent(ctx context.Context, donation *models.Donation) (bool, error) {
	if err := prepareDonation(donation); err != nil {
		return false, err
	}
	if donation.TransactionID == nil {
		return false, errors.New("transaction id is required for idempotent create")
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(donation)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create donation")
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted moves a donation to completed and stamps the provided fields.
// Anonymity is always re-derived from the donor id.
func (r *DonationRepository) MarkCompleted(ctx context.Context, donation *models.Donation, u CompletionUpdates) error {
	anonymous := donation.DonorID == models.AnonymousDonorID
	updates := map[string]interface{}{
		"payment_status": models.PaymentStatusCompleted,
		"is_anonymous":   anonymous,
	}
	if u.TransactionID != nil {
		updates["transaction_id"] = *u.TransactionID
	}
	if u.PaymentMethod != "" {
		updates["payment_method"] = u.PaymentMethod
	}
	if u.ReceiptURL != nil {
		updates["receipt_url"] = *u.ReceiptURL
	}

	result := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ?", donation.ID).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark donation completed")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	donation.PaymentStatus = models.PaymentStatusCompleted
	donation.IsAnonymous = anonymous
	if u.TransactionID != nil {
		donation.TransactionID = u.TransactionID
	}
	if u.PaymentMethod != "" {
		donation.PaymentMethod = u.PaymentMethod
	}
	if u.ReceiptURL != nil {
		donation.ReceiptURL = u.ReceiptURL
	}
	return nil
}

// MarkAggregatesApplied records that campaign and donor totals include this donation
func (r *DonationRepository) MarkAggregatesApplied(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ?", id).
		Update("aggregates_applied", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark donation aggregates applied")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID gets a donation by ID
func (r *DonationRepository) GetByID(ctx context.Context, id uint) (*models.Donation, error) {
	var donation models.Donation
	err := r.readOnlyDB.WithContext(ctx).First(&donation, id).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get donation by ID")
	}
	return &donation, nil
}

// ListByDonor returns a donor's most recent donations
func (r *DonationRepository) ListByDonor(ctx context.Context, donorID uuid.UUID, limit int) ([]models.Donation, error) {
	var donations []models.Donation
	err := r.readOnlyDB.WithContext(ctx).
		Where("donor_id = ?", donorID).
		Order("donated_at DESC").
		Limit(limit).
		Find(&donations).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list donations by donor")
	}
	return donations, nil
}

// DonorTotal is the applied-donation sum for one donor
type DonorTotal struct {
	DonorID uuid.UUID
	Total   decimal.Decimal
	Count   int64
}

// donorSum is the raw aggregate row; amounts are summed in cents
type donorSum struct {
	DonorID    uuid.UUID
	TotalCents int64
	Count      int64
}

func (row donorSum) total() DonorTotal {
	return DonorTotal{DonorID: row.DonorID, Total: money.FromCents(row.TotalCents), Count: row.Count}
}

// SumAppliedByDonor totals every donation whose aggregates were applied,
// grouped by donor. It reads from the primary so results match the ledger.
func (r *DonationRepository) SumAppliedByDonor(ctx context.Context) (map[uuid.UUID]DonorTotal, error) {
	var rows []donorSum
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Select("donor_id, CAST(SUM(amount) AS BIGINT) AS total_cents, COUNT(*) AS count").
		Where("aggregates_applied = ?", true).
		Group("donor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum donations by donor")
	}

	totals := make(map[uuid.UUID]DonorTotal, len(rows))
	for _, row := range rows {
		totals[row.DonorID] = row.total()
	}
	return totals, nil
}

// SumAppliedForDonor totals one donor's applied donations
func (r *DonationRepository) SumAppliedForDonor(ctx context.Context, donorID uuid.UUID) (decimal.Decimal, error) {
	var row donorSum
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Select("donor_id, CAST(COALESCE(SUM(amount), 0) AS BIGINT) AS total_cents, COUNT(*) AS count").
		Where("aggregates_applied = ? AND donor_id = ?", true, donorID).
		Group("donor_id").
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to sum donations for donor")
	}
	return row.total().Total, nil
}

func prepareDonation(donation *models.Donation) error {
	if !donation.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, err := money.ToCents(donation.Amount); err != nil {
		return ErrInvalidAmount
	}
	if donation.CampaignID == 0 {
		return ErrInvalidReference
	}
	donation.IsAnonymous = donation.DonorID == models.AnonymousDonorID
	return nil
}
