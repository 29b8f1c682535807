package repositories

import (
	"context"

	"example.com/backstage/services/donations/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// PaymentEventRepository keeps the log of received payment webhooks
type PaymentEventRepository struct {
	db *gorm.DB
}

// NewPaymentEventRepository creates a new payment event repository
func NewPaymentEventRepository(db *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *PaymentEventRepository) WithTx(tx *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: tx}
}

// Record appends one delivery to the log
func (r *PaymentEventRepository) Record(ctx context.Context, event *models.PaymentEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to record payment event")
	}
	return nil
}

// ListByTransactionID returns every delivery received for txnID
func (r *PaymentEventRepository) ListByTransactionID(ctx context.Context, txnID string) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("id").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list payment events")
	}
	return events, nil
}
