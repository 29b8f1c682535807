package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/money"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DonorRepository owns the donor ledger
type DonorRepository struct {
	db *gorm.DB
}

// NewDonorRepository creates a new donor repository
func NewDonorRepository(db *gorm.DB) *DonorRepository {
	return &DonorRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *DonorRepository) WithTx(tx *gorm.DB) *DonorRepository {
	return &DonorRepository{db: tx}
}

// EnsureDonor creates an empty ledger for id unless one exists
func (r *DonorRepository) EnsureDonor(ctx context.Context, id uuid.UUID) error {
	donor := models.Donor{ID: id, TotalDonated: decimal.Zero}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(&donor).Error
	if err != nil {
		return errors.Wrap(err, "failed to ensure donor ledger")
	}
	return nil
}

// ApplyDonation adds amount to the donor's lifetime total and overwrites the
// last donation date
func (r *DonorRepository) ApplyDonation(ctx context.Context, id uuid.UUID, amount decimal.Decimal, donatedAt time.Time, recurring bool) error {
	cents, err := money.ToCents(amount)
	if err != nil {
		return errors.Wrap(err, "invalid amount")
	}

	updates := map[string]interface{}{
		"total_donated":      gorm.Expr("total_donated + ?", cents),
		"last_donation_date": donatedAt,
	}
	if recurring {
		updates["is_recurring_donor"] = true
	}

	result := r.db.WithContext(ctx).
		Model(&models.Donor{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to apply donation to donor")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID gets a donor ledger by ID
func (r *DonorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	var donor models.Donor
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&donor).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get donor by ID")
	}
	return &donor, nil
}

// GetByIDForUpdate gets a donor ledger and locks it for the transaction
func (r *DonorRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	var donor models.Donor
	err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&donor).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to lock donor")
	}
	return &donor, nil
}

// List returns every donor ledger
func (r *DonorRepository) List(ctx context.Context) ([]models.Donor, error) {
	var donors []models.Donor
	if err := r.db.WithContext(ctx).Order("id").Find(&donors).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list donors")
	}
	return donors, nil
}

// SetTotal overwrites a donor's lifetime total. Only reconciliation uses it.
func (r *DonorRepository) SetTotal(ctx context.Context, id uuid.UUID, total decimal.Decimal) error {
	cents, err := money.ToCents(total)
	if err != nil {
		return errors.Wrap(err, "invalid amount")
	}

	result := r.db.WithContext(ctx).
		Model(&models.Donor{}).
		Where("id = ?", id).
		Update("total_donated", cents)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set donor total")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
