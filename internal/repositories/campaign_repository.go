package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/money"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CampaignRepository tracks campaign progress towards its goal
type CampaignRepository struct {
	db *gorm.DB
}

// NewCampaignRepository creates a new campaign repository. Campaign totals
// are only ever read from the write database.
func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *CampaignRepository) WithTx(tx *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: tx}
}

// Progress is the outcome of applying a donation to a campaign
type Progress struct {
	NewCurrentAmount decimal.Decimal
	DidComplete      bool
}

// Create creates a new campaign
func (r *CampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	if err := r.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return errors.Wrap(err, "failed to create campaign")
	}
	return nil
}

// GetByID gets a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.db.WithContext(ctx).First(&campaign, id).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get campaign by ID")
	}
	return &campaign, nil
}

// ApplyDonation adds amount to the campaign, counts one more donor and, the
// first time the goal is reached, completes the campaign. The row is locked
// for the read and the totals are written as relative increments in cents.
func (r *CampaignRepository) ApplyDonation(ctx context.Context, campaignID uint, amount decimal.Decimal) (*Progress, error) {
	cents, err := money.ToCents(amount)
	if err != nil {
		return nil, errors.Wrap(err, "invalid donation amount")
	}

	var campaign models.Campaign
	err = forUpdate(r.db.WithContext(ctx)).First(&campaign, campaignID).Error
	if err != nil {
		if IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load campaign for update")
	}

	newCurrent := money.Add(campaign.CurrentAmount, amount)
	didComplete := !campaign.IsCompleted && money.ReachesGoal(newCurrent, campaign.GoalAmount)

	updates := map[string]interface{}{
		"current_amount": gorm.Expr("current_amount + ?", cents),
		"donor_count":    gorm.Expr("donor_count + ?", 1),
	}
	if didComplete {
		updates["is_completed"] = true
		updates["is_active"] = false
		updates["is_featured"] = false
		updates["completed_at"] = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(updates)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to apply donation to campaign")
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	return &Progress{NewCurrentAmount: newCurrent, DidComplete: didComplete}, nil
}
