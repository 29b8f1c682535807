package services

import (
	"context"
	"sync"
	"testing"

	"example.com/backstage/services/donations/internal/database/dbtest"
	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	svc     *DonationService
	db      *gorm.DB
	metrics *metrics.Metrics
	cache   *memoryCache
}

type envOption func(*envConfig)

type envConfig struct {
	opts     Options
	notifier ReceiptNotifier
	indexer  DonationIndexer
}

func withOptions(opts Options) envOption {
	return func(c *envConfig) { c.opts = opts }
}

func withNotifier(n ReceiptNotifier) envOption {
	return func(c *envConfig) { c.notifier = n }
}

func withIndexer(i DonationIndexer) envOption {
	return func(c *envConfig) { c.indexer = i }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	db := dbtest.Open(t)

	cfg := &envConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	m := metrics.NewMetrics()
	cache := newMemoryCache()
	svc := NewDonationService(db, db, cache, cfg.indexer, cfg.notifier, m, nil, cfg.opts)

	return &testEnv{svc: svc, db: db, metrics: m, cache: cache}
}

// requireConnectionPool fails unless the database can serve several
// transactions at once
func (e *testEnv) requireConnectionPool(t *testing.T) {
	t.Helper()
	sqlDB, err := e.db.DB()
	require.NoError(t, err)
	require.Greater(t, sqlDB.Stats().MaxOpenConnections, 1)
}

func (e *testEnv) campaign(t *testing.T, goal, current string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Title:         "Clean water",
		GoalAmount:    dec(goal),
		CurrentAmount: dec(current),
		IsActive:      true,
		IsFeatured:    true,
	}
	require.NoError(t, e.db.Create(c).Error)
	return c
}

func (e *testEnv) user(t *testing.T, role models.Role) *models.User {
	t.Helper()
	id := uuid.New()
	u := &models.User{ID: id, Email: id.String() + "@example.org", Name: "Donor", Role: role}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) reloadCampaign(t *testing.T, id uint) *models.Campaign {
	t.Helper()
	var c models.Campaign
	require.NoError(t, e.db.First(&c, id).Error)
	return &c
}

func (e *testEnv) reloadDonor(t *testing.T, id uuid.UUID) *models.Donor {
	t.Helper()
	var d models.Donor
	require.NoError(t, e.db.Where("id = ?", id).First(&d).Error)
	return &d
}

func (e *testEnv) countDonations(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.Donation{}).Count(&n).Error)
	return n
}

func callerFor(u *models.User) *models.Caller {
	return &models.Caller{ID: u.ID, Email: u.Email, Role: u.Role}
}

func donationInput(campaignID uint, amount string) models.DonationInput {
	return models.DonationInput{
		CampaignID:   campaignID,
		Amount:       dec(amount),
		Currency:     "usd",
		DonationType: models.DonationTypeOneTime,
	}
}

func paymentEvent(txnID string, campaignID uint, minor int64, donorID string) models.PaymentSucceededEvent {
	return models.PaymentSucceededEvent{
		TransactionID: txnID,
		Amount:        minor,
		Currency:      "usd",
		CreatedAt:     1700000000,
		CampaignID:    campaignID,
		DonorID:       donorID,
		PaymentMethod: "card",
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func requireCode(t *testing.T, want Code, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, CodeOf(err), "unexpected error: %v", err)
}

// memoryCache is an in-process DonationCache
type memoryCache struct {
	mu        sync.Mutex
	donations map[uint]models.Donation
}

func newMemoryCache() *memoryCache {
	return &memoryCache{donations: make(map[uint]models.Donation)}
}

func (c *memoryCache) GetDonation(_ context.Context, id uint) (*models.Donation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.donations[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (c *memoryCache) SetDonation(_ context.Context, d *models.Donation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.donations[d.ID] = *d
	return nil
}

func (c *memoryCache) has(id uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.donations[id]
	return ok
}

// MockNotifier records receipt dispatches
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendReceipt(ctx context.Context, receipt *models.Receipt) error {
	args := m.Called(ctx, receipt)
	return args.Error(0)
}

// MockIndexer stands in for the search index
type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) IndexDonation(ctx context.Context, donation *models.Donation) error {
	args := m.Called(ctx, donation)
	return args.Error(0)
}

func (m *MockIndexer) SearchDonations(ctx context.Context, query models.DonationSearch) ([]models.DonationResponse, error) {
	args := m.Called(ctx, query)
	results, _ := args.Get(0).([]models.DonationResponse)
	return results, args.Error(1)
}
