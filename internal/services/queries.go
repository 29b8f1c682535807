package services

import (
	"context"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errAuthenticationRequired = newError(CodeInsufficientPermissions, "authentication required", nil)

// GetDonation returns a donation visible to caller. Completed donations are
// served from the cache when one is configured.
func (s *DonationService) GetDonation(ctx context.Context, id uint, caller *models.Caller) (*models.Donation, error) {
	if caller == nil {
		return nil, errAuthenticationRequired
	}

	donation := s.cachedDonation(ctx, id)
	if donation == nil {
		found, err := s.donationRepo.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, newError(CodeDonationNotFound, "donation not found", err)
		}
		if err != nil {
			return nil, newError(CodeInternal, "failed to load donation", err)
		}
		donation = found

		if s.cache != nil && donation.IsCompleted() {
			if err := s.cache.SetDonation(ctx, donation); err != nil {
				log.Warn().Err(err).Uint("donation_id", id).Msg("Failed to cache donation")
			}
		}
	}

	if !caller.IsAdmin() && !caller.Owns(donation.DonorID) {
		return nil, newError(CodeInsufficientPermissions, "not allowed to view this donation", nil)
	}
	return donation, nil
}

func (s *DonationService) cachedDonation(ctx context.Context, id uint) *models.Donation {
	if s.cache == nil {
		return nil
	}
	donation, err := s.cache.GetDonation(ctx, id)
	if err != nil {
		log.Warn().Err(err).Uint("donation_id", id).Msg("Failed to read donation cache")
		return nil
	}
	return donation
}

// GetCampaignProgress returns the campaign's current totals, always read
// fresh from the primary
func (s *DonationService) GetCampaignProgress(ctx context.Context, id uint) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, newError(CodeCampaignNotFound, "campaign not found", err)
	}
	if err != nil {
		return nil, newError(CodeInternal, "failed to load campaign", err)
	}
	return campaign, nil
}

// GetDonorLedger returns a donor's lifetime totals to the donor or an admin
func (s *DonationService) GetDonorLedger(ctx context.Context, donorID uuid.UUID, caller *models.Caller) (*models.Donor, error) {
	if caller == nil {
		return nil, errAuthenticationRequired
	}
	if !caller.IsAdmin() && !caller.Owns(donorID) {
		return nil, newError(CodeInsufficientPermissions, "not allowed to view this donor", nil)
	}

	donor, err := s.donorRepo.GetByID(ctx, donorID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, newError(CodeDonorNotFound, "donor not found", err)
	}
	if err != nil {
		return nil, newError(CodeInternal, "failed to load donor", err)
	}
	return donor, nil
}

// SearchDonations queries the donation index. Admin only.
func (s *DonationService) SearchDonations(ctx context.Context, query models.DonationSearch, caller *models.Caller) ([]models.DonationResponse, error) {
	if !caller.IsAdmin() {
		return nil, newError(CodeInsufficientPermissions, "admin role required", nil)
	}
	if s.indexer == nil {
		return nil, newError(CodeSearchUnavailable, "donation search is not configured", nil)
	}
	if query.DonorID != "" {
		if _, err := uuid.Parse(query.DonorID); err != nil {
			return nil, validationError("donor_id must be a uuid", err)
		}
	}

	results, err := s.indexer.SearchDonations(ctx, query)
	if err != nil {
		return nil, newError(CodeSearchUnavailable, "donation search failed", err)
	}
	return results, nil
}
