package repositories

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/donations/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDonation(donorID uuid.UUID, amount string) *models.Donation {
	return &models.Donation{
		DonorID:       donorID,
		CampaignID:    1,
		Amount:        dec(amount),
		Currency:      "USD",
		DonationType:  models.DonationTypeOneTime,
		PaymentStatus: models.PaymentStatusPending,
		DonatedAt:     time.Now().UTC(),
	}
}

func TestDonationCreateValidates(t *testing.T) {
	repo := NewDonationRepository(newTestDB(t), nil)
	ctx := context.Background()

	zero := newDonation(uuid.New(), "0")
	assert.ErrorIs(t, repo.Create(ctx, zero), ErrInvalidAmount)

	orphan := newDonation(uuid.New(), "10")
	orphan.CampaignID = 0
	assert.ErrorIs(t, repo.Create(ctx, orphan), ErrInvalidReference)
}

func TestDonationCreateDerivesAnonymity(t *testing.T) {
	db := newTestDB(t)
	repo := NewDonationRepository(db, db)
	ctx := context.Background()

	anon := newDonation(models.AnonymousDonorID, "5")
	anon.IsAnonymous = false
	require.NoError(t, repo.Create(ctx, anon))
	assert.True(t, anon.IsAnonymous)

	named := newDonation(uuid.New(), "5")
	named.IsAnonymous = true
	require.NoError(t, repo.Create(ctx, named))
	assert.False(t, named.IsAnonymous)

	stored, err := repo.GetByID(ctx, anon.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsAnonymous)
	requireAmount(t, "5", stored.Amount)
}

func TestDonationCreateIfAbsentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewDonationRepository(db, db)
	ctx := context.Background()
	txnID := "tx_repo_1"

	first := newDonation(models.AnonymousDonorID, "50")
	first.TransactionID = &txnID
	created, err := repo.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := newDonation(models.AnonymousDonorID, "50")
	second.TransactionID = &txnID
	created, err = repo.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := repo.FindByTransactionID(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	var count int64
	require.NoError(t, db.Model(&models.Donation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err = repo.FindByTransactionID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDonationMarkCompleted(t *testing.T) {
	db := newTestDB(t)
	repo := NewDonationRepository(db, db)
	ctx := context.Background()

	donation := newDonation(uuid.New(), "20")
	require.NoError(t, repo.Create(ctx, donation))

	txnID := "tx_done"
	receipt := "https://pay.example.org/receipts/tx_done"
	require.NoError(t, repo.MarkCompleted(ctx, donation, CompletionUpdates{
		TransactionID: &txnID,
		PaymentMethod: "card",
		ReceiptURL:    &receipt,
	}))
	assert.True(t, donation.IsCompleted())

	stored, err := repo.GetByID(ctx, donation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Equal(t, "card", stored.PaymentMethod)
	require.NotNil(t, stored.ReceiptURL)
	assert.Equal(t, receipt, *stored.ReceiptURL)
	require.NotNil(t, stored.TransactionID)
	assert.Equal(t, txnID, *stored.TransactionID)
}

func TestSumAppliedByDonor(t *testing.T) {
	db := newTestDB(t)
	repo := NewDonationRepository(db, db)
	ctx := context.Background()
	donorID := uuid.New()

	for _, amount := range []string{"12.50", "7.25"} {
		d := newDonation(donorID, amount)
		require.NoError(t, repo.Create(ctx, d))
		require.NoError(t, repo.MarkAggregatesApplied(ctx, d.ID))
	}
	require.NoError(t, repo.Create(ctx, newDonation(donorID, "100")))

	totals, err := repo.SumAppliedByDonor(ctx)
	require.NoError(t, err)
	require.Contains(t, totals, donorID)
	requireAmount(t, "19.75", totals[donorID].Total)
	assert.Equal(t, int64(2), totals[donorID].Count)
}
