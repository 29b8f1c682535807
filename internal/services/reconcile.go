package services

import (
	"context"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/money"
	"example.com/backstage/services/donations/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DonorDrift is one repaired donor ledger
type DonorDrift struct {
	DonorID  uuid.UUID
	Recorded decimal.Decimal
	Expected decimal.Decimal
}

// ReconcileReport summarises a reconciliation run
type ReconcileReport struct {
	Checked  int
	Repaired []DonorDrift
}

// ReconcileDonorTotals compares every donor's lifetime total with the sum of
// its applied donations and repairs any drift. Each repair re-reads both
// under the donor row lock so concurrent donations are never lost.
func (s *DonationService) ReconcileDonorTotals(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	txn := s.tracer.StartTransaction("reconcile-donor-totals")
	defer s.tracer.EndTransaction(txn)

	report, err := s.reconcileDonorTotals(ctx)
	s.metrics.ObserveOperation(metrics.OperationReconcile, start, err)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return report, err
	}

	s.metrics.IncrementCounterBy(metrics.DonorTotalsReconciled, int64(len(report.Repaired)))
	log.Info().
		Int("checked", report.Checked).
		Int("repaired", len(report.Repaired)).
		Dur("took", time.Since(start)).
		Msg("Donor totals reconciled")
	return report, nil
}

func (s *DonationService) reconcileDonorTotals(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	donors, err := s.donorRepo.List(ctx)
	if err != nil {
		return report, err
	}
	sums, err := s.donationRepo.SumAppliedByDonor(ctx)
	if err != nil {
		return report, err
	}

	for _, donor := range donors {
		report.Checked++
		expected := sums[donor.ID].Total
		if donor.TotalDonated.Equal(expected) {
			continue
		}

		drift, err := s.repairDonorTotal(ctx, donor.ID)
		if err != nil {
			log.Error().Err(err).Str("donor_id", donor.ID.String()).Msg("Failed to repair donor total")
			continue
		}
		if drift != nil {
			report.Repaired = append(report.Repaired, *drift)
		}
	}

	return report, nil
}

// repairDonorTotal re-checks one donor inside a transaction and overwrites
// the total when it still disagrees. It returns nil when nothing changed.
func (s *DonationService) repairDonorTotal(ctx context.Context, donorID uuid.UUID) (*DonorDrift, error) {
	var drift *DonorDrift
	err := s.inTransaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		donors := s.donorRepo.WithTx(tx)
		donor, err := donors.GetByIDForUpdate(ctx, donorID)
		if err != nil {
			return err
		}
		expected, err := s.donationRepo.WithTx(tx).SumAppliedForDonor(ctx, donorID)
		if err != nil {
			return err
		}
		if donor.TotalDonated.Equal(expected) {
			return nil
		}

		if err := donors.SetTotal(ctx, donorID, expected); err != nil {
			return err
		}
		drift = &DonorDrift{DonorID: donorID, Recorded: donor.TotalDonated, Expected: expected}
		log.Warn().
			Str("donor_id", donorID.String()).
			Str("recorded", money.String(donor.TotalDonated)).
			Str("expected", money.String(expected)).
			Msg("Donor total drifted, repaired")
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reconcile transaction failed")
	}
	return drift, nil
}
