package services

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateDonationAuthenticatedDonor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign := env.campaign(t, "500", "0")
	user := env.user(t, models.RoleUser)

	donation, err := env.svc.CreateDonation(ctx, donationInput(campaign.ID, "100.00"), callerFor(user))
	require.NoError(t, err)

	assert.Equal(t, user.ID, donation.DonorID)
	assert.False(t, donation.IsAnonymous)
	assert.Equal(t, models.PaymentStatusPending, donation.PaymentStatus)
	assert.Equal(t, "USD", donation.Currency)
	assert.True(t, donation.IsTaxDeductible)
	assert.True(t, donation.AggregatesApplied)

	donor := env.reloadDonor(t, user.ID)
	requireAmount(t, "100.00", donor.TotalDonated)
	require.NotNil(t, donor.LastDonationDate)

	c := env.reloadCampaign(t, campaign.ID)
	requireAmount(t, "100.00", c.CurrentAmount)
	assert.Equal(t, int64(1), c.DonorCount)
	assert.False(t, c.IsCompleted)
	assert.True(t, c.IsActive)

	var stored models.User
	require.NoError(t, env.db.First(&stored, "id = ?", user.ID).Error)
	assert.True(t, stored.IsDonor)

	assert.Equal(t, int64(1), env.metrics.GetCounters()[metrics.DonationsCreated])
}

func TestCreateDonationAnonymous(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign := env.campaign(t, "500", "0")
	user := env.user(t, models.RoleUser)

	_, err := env.svc.CreateDonation(ctx, donationInput(campaign.ID, "100.00"), callerFor(user))
	require.NoError(t, err)

	donation, err := env.svc.CreateDonation(ctx, donationInput(campaign.ID, "25.00"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.AnonymousDonorID, donation.DonorID)
	assert.True(t, donation.IsAnonymous)

	c := env.reloadCampaign(t, campaign.ID)
	requireAmount(t, "125.00", c.CurrentAmount)
	assert.Equal(t, int64(2), c.DonorCount)

	anonymous := env.reloadDonor(t, models.AnonymousDonorID)
	requireAmount(t, "25.00", anonymous.TotalDonated)
}

func TestCreateDonationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	campaign := env.campaign(t, "500", "0")

	tests := []struct {
		name  string
		input models.DonationInput
	}{
		{name: "zero amount", input: donationInput(campaign.ID, "0")},
		{name: "negative amount", input: donationInput(campaign.ID, "-5")},
		{name: "too many decimals", input: donationInput(campaign.ID, "10.001")},
		{name: "missing campaign id", input: donationInput(0, "10")},
		{
			name: "bad currency",
			input: func() models.DonationInput {
				in := donationInput(campaign.ID, "10")
				in.Currency = "us1"
				return in
			}(),
		},
		{
			name: "unknown donation type",
			input: func() models.DonationInput {
				in := donationInput(campaign.ID, "10")
				in.DonationType = "lottery"
				return in
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateDonation(ctx, tt.input, nil)
			requireCode(t, CodeValidation, err)
		})
	}

	assert.Equal(t, int64(0), env.countDonations(t))
	c := env.reloadCampaign(t, campaign.ID)
	requireAmount(t, "0", c.CurrentAmount)
}

func TestCreateDonationMissingCampaign(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.CreateDonation(context.Background(), donationInput(4242, "10"), nil)
		requireCode(t, CodeCampaignNotFound, err)

		// The whole transaction rolled back, donor provisioning included
		assert.Equal(t, int64(0), env.countDonations(t))
		var donors int64
		require.NoError(t, env.db.Model(&models.Donor{}).Count(&donors).Error)
		assert.Equal(t, int64(0), donors)
	})

	t.Run("recorded when orphans are allowed", func(t *testing.T) {
		env := newTestEnv(t, withOptions(Options{AllowOrphanDonations: true}))

		donation, err := env.svc.CreateDonation(context.Background(), donationInput(4242, "10"), nil)
		require.NoError(t, err)
		assert.True(t, donation.AggregatesApplied)

		donor := env.reloadDonor(t, models.AnonymousDonorID)
		requireAmount(t, "10", donor.TotalDonated)
	})
}

func TestCreateDonationRecurringAndExplicitFields(t *testing.T) {
	env := newTestEnv(t)
	user := env.user(t, models.RoleUser)
	campaign := env.campaign(t, "500", "0")

	donatedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	noTax := false
	txnID := "pi_direct_1"
	input := donationInput(campaign.ID, "12.50")
	input.DonationType = models.DonationTypeRecurring
	input.PaymentStatus = models.PaymentStatusCompleted
	input.DonatedAt = &donatedAt
	input.IsTaxDeductible = &noTax
	input.TransactionID = &txnID

	donation, err := env.svc.CreateDonation(context.Background(), input, callerFor(user))
	require.NoError(t, err)
	assert.False(t, donation.IsTaxDeductible)
	assert.Equal(t, models.PaymentStatusCompleted, donation.PaymentStatus)
	assert.True(t, donation.DonatedAt.Equal(donatedAt))

	donor := env.reloadDonor(t, user.ID)
	assert.True(t, donor.IsRecurringDonor)
	require.NotNil(t, donor.LastDonationDate)
	assert.True(t, donor.LastDonationDate.Equal(donatedAt))

	// Completed direct donations are cached for reads
	assert.True(t, env.cache.has(donation.ID))

	// The same transaction id cannot be recorded twice
	_, err = env.svc.CreateDonation(context.Background(), input, callerFor(user))
	requireCode(t, CodeDonationCreate, err)
	c := env.reloadCampaign(t, campaign.ID)
	requireAmount(t, "12.50", c.CurrentAmount)
}

func TestCreateDonationSendsReceipt(t *testing.T) {
	notifier := new(MockNotifier)
	env := newTestEnv(t, withNotifier(notifier))
	user := env.user(t, models.RoleUser)
	campaign := env.campaign(t, "500", "0")

	notifier.On("SendReceipt", mock.Anything, mock.MatchedBy(func(r *models.Receipt) bool {
		return r.Email == user.Email && r.Donation.Amount == "40.00"
	})).Return(nil).Once()

	_, err := env.svc.CreateDonation(context.Background(), donationInput(campaign.ID, "40"), callerFor(user))
	require.NoError(t, err)

	notifier.AssertExpectations(t)
	assert.Equal(t, int64(1), env.metrics.GetCounters()[metrics.ReceiptsDispatched])
}

func TestCreateDonationReceiptFailureKeepsDonation(t *testing.T) {
	notifier := new(MockNotifier)
	env := newTestEnv(t, withNotifier(notifier))
	campaign := env.campaign(t, "500", "0")

	notifier.On("SendReceipt", mock.Anything, mock.Anything).Return(errors.New("mailer down")).Once()

	donation, err := env.svc.CreateDonation(context.Background(), donationInput(campaign.ID, "40"), nil)
	require.NoError(t, err)
	require.NotZero(t, donation.ID)

	assert.Equal(t, int64(1), env.countDonations(t))
	c := env.reloadCampaign(t, campaign.ID)
	requireAmount(t, "40", c.CurrentAmount)
	notifier.AssertExpectations(t)
}
