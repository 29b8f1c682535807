package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AnonymousMarker is accepted in place of a donor id on payment events
const AnonymousMarker = "anonymous"

// Caller is the authenticated identity forwarded by the auth gateway. A nil
// *Caller means the request is anonymous.
type Caller struct {
	ID    uuid.UUID
	Email string
	Role  Role
}

// IsAdmin reports whether the caller may act on other donors' records
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Owns reports whether donorID is the caller's own ledger. The shared
// anonymous ledger belongs to nobody.
func (c *Caller) Owns(donorID uuid.UUID) bool {
	return c != nil && donorID != AnonymousDonorID && c.ID == donorID
}

// DonationInput is a direct donation creation request
type DonationInput struct {
	CampaignID      uint            `json:"campaign_id" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3,alpha"`
	DonationType    DonationType    `json:"donation_type" validate:"required,oneof=one_time recurring in_kind"`
	PaymentMethod   string          `json:"payment_method" validate:"max=50"`
	PaymentStatus   PaymentStatus   `json:"payment_status" validate:"omitempty,oneof=pending completed failed"`
	TransactionID   *string         `json:"transaction_id" validate:"omitempty,min=1,max=255"`
	Notes           string          `json:"notes" validate:"max=1000"`
	DonatedAt       *time.Time      `json:"donated_at"`
	IsTaxDeductible *bool           `json:"is_tax_deductible"`
}

// PaymentSucceededEvent is the payment processor's success notification.
// Amount is expressed in minor units and CreatedAt in epoch seconds.
type PaymentSucceededEvent struct {
	TransactionID string       `json:"transaction_id" validate:"required,max=255"`
	Amount        int64        `json:"amount" validate:"gt=0"`
	Currency      string       `json:"currency" validate:"required,len=3,alpha"`
	ReceiptURL    string       `json:"receipt_url,omitempty" validate:"omitempty,url"`
	CreatedAt     int64        `json:"created_at" validate:"gte=0"`
	CampaignID    uint         `json:"campaign_id" validate:"required,gt=0"`
	DonorID       string       `json:"donor_id"`
	IsAnonymous   bool         `json:"is_anonymous"`
	DonationType  DonationType `json:"donation_type" validate:"omitempty,oneof=one_time recurring in_kind"`
	PaymentMethod string       `json:"payment_method,omitempty"`
}

// ErrIgnoredEvent marks processor notifications that carry no successful
// payment and should be acknowledged without processing
var ErrIgnoredEvent = errors.New("event type is not a payment success")

// successEventTypes are the processor envelope types treated as a success
var successEventTypes = map[string]struct{}{
	"payment_intent.succeeded": {},
	"charge.succeeded":         {},
}

// ParsePaymentSucceeded decodes a success notification. It accepts the bare
// event or a processor envelope of the form {"type": ..., "data": {"object": ...}}.
func ParsePaymentSucceeded(body []byte) (*PaymentSucceededEvent, error) {
	var envelope struct {
		Type string `json:"type"`
		Data *struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal payment event")
	}

	payload := body
	if envelope.Data != nil {
		if _, ok := successEventTypes[envelope.Type]; !ok {
			return nil, errors.Wrapf(ErrIgnoredEvent, "type %q", envelope.Type)
		}
		payload = envelope.Data.Object
	}

	var event PaymentSucceededEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal payment event payload")
	}
	return &event, nil
}

// ResolveDonorID maps the event's donor reference onto a ledger id. Missing,
// marker or explicitly anonymous references resolve to AnonymousDonorID.
func (e *PaymentSucceededEvent) ResolveDonorID() (uuid.UUID, error) {
	ref := strings.TrimSpace(e.DonorID)
	if e.IsAnonymous || ref == "" || strings.EqualFold(ref, AnonymousMarker) {
		return AnonymousDonorID, nil
	}
	return uuid.Parse(ref)
}

// DonatedAt converts CreatedAt to a UTC timestamp, falling back to now
func (e *PaymentSucceededEvent) DonatedAt() time.Time {
	if e.CreatedAt <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(e.CreatedAt, 0).UTC()
}

// DonationResponse is the outbound shape of a donation. Identity and decimal
// fields are strings so no consumer loses precision.
type DonationResponse struct {
	ID              string        `json:"id"`
	DonorID         string        `json:"donor_id"`
	CampaignID      string        `json:"campaign_id"`
	Amount          string        `json:"amount"`
	Currency        string        `json:"currency"`
	DonationType    DonationType  `json:"donation_type"`
	PaymentMethod   string        `json:"payment_method,omitempty"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	TransactionID   *string       `json:"transaction_id,omitempty"`
	ReceiptURL      *string       `json:"receipt_url,omitempty"`
	IsAnonymous     bool          `json:"is_anonymous"`
	IsTaxDeductible bool          `json:"is_tax_deductible"`
	IsAcknowledged  bool          `json:"is_acknowledged"`
	Notes           string        `json:"notes,omitempty"`
	DonatedAt       time.Time     `json:"donated_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewDonationResponse converts a persisted donation for output
func NewDonationResponse(d *Donation) *DonationResponse {
	if d == nil {
		return nil
	}
	return &DonationResponse{
		ID:              strconv.FormatUint(uint64(d.ID), 10),
		DonorID:         d.DonorID.String(),
		CampaignID:      strconv.FormatUint(uint64(d.CampaignID), 10),
		Amount:          d.Amount.StringFixed(2),
		Currency:        d.Currency,
		DonationType:    d.DonationType,
		PaymentMethod:   d.PaymentMethod,
		PaymentStatus:   d.PaymentStatus,
		TransactionID:   d.TransactionID,
		ReceiptURL:      d.ReceiptURL,
		IsAnonymous:     d.IsAnonymous,
		IsTaxDeductible: d.IsTaxDeductible,
		IsAcknowledged:  d.IsAcknowledged,
		Notes:           d.Notes,
		DonatedAt:       d.DonatedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// CampaignProgress is the outbound shape of a campaign's totals
type CampaignProgress struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	GoalAmount    string `json:"goal_amount"`
	CurrentAmount string `json:"current_amount"`
	DonorCount    int64  `json:"donor_count"`
	IsActive      bool   `json:"is_active"`
	IsFeatured    bool   `json:"is_featured"`
	IsCompleted   bool   `json:"is_completed"`
}

// NewCampaignProgress converts a campaign for output
func NewCampaignProgress(c *Campaign) *CampaignProgress {
	return &CampaignProgress{
		ID:            strconv.FormatUint(uint64(c.ID), 10),
		Title:         c.Title,
		GoalAmount:    c.GoalAmount.StringFixed(2),
		CurrentAmount: c.CurrentAmount.StringFixed(2),
		DonorCount:    c.DonorCount,
		IsActive:      c.IsActive,
		IsFeatured:    c.IsFeatured,
		IsCompleted:   c.IsCompleted,
	}
}

// DonorLedger is the outbound shape of a donor's lifetime totals
type DonorLedger struct {
	ID               string     `json:"id"`
	TotalDonated     string     `json:"total_donated"`
	LastDonationDate *time.Time `json:"last_donation_date,omitempty"`
	IsRecurringDonor bool       `json:"is_recurring_donor"`
	IsAnonymous      bool       `json:"is_anonymous"`
	DonationTier     string     `json:"donation_tier,omitempty"`
}

// NewDonorLedger converts a donor for output
func NewDonorLedger(d *Donor) *DonorLedger {
	return &DonorLedger{
		ID:               d.ID.String(),
		TotalDonated:     d.TotalDonated.StringFixed(2),
		LastDonationDate: d.LastDonationDate,
		IsRecurringDonor: d.IsRecurringDonor,
		IsAnonymous:      d.IsAnonymous(),
		DonationTier:     d.DonationTier,
	}
}

// Receipt is the message handed to the receipt mailer once a donation commits
type Receipt struct {
	DonationID    string           `json:"donation_id"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Email         string           `json:"email,omitempty"`
	Donation      DonationResponse `json:"donation"`
	IssuedAt      time.Time        `json:"issued_at"`
}

// NewReceipt builds the receipt for a committed donation. email may be empty.
func NewReceipt(d *Donation, email string) *Receipt {
	receipt := &Receipt{
		DonationID: strconv.FormatUint(uint64(d.ID), 10),
		Email:      email,
		Donation:   *NewDonationResponse(d),
		IssuedAt:   time.Now().UTC(),
	}
	if d.TransactionID != nil {
		receipt.TransactionID = *d.TransactionID
	}
	return receipt
}

// DonationSearch filters the donation search index
type DonationSearch struct {
	CampaignID uint          `form:"campaign_id"`
	DonorID    string        `form:"donor_id"`
	Status     PaymentStatus `form:"status"`
	Currency   string        `form:"currency"`
	From       *time.Time    `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To         *time.Time    `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Size       int           `form:"size"`
}
