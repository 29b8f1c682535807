package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/backstage/services/donations/internal/api/middleware"
	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDonationService struct {
	mock.Mock
}

func (m *MockDonationService) CreateDonation(ctx context.Context, input models.DonationInput, caller *models.Caller) (*models.Donation, error) {
	args := m.Called(ctx, input, caller)
	donation, _ := args.Get(0).(*models.Donation)
	return donation, args.Error(1)
}

func (m *MockDonationService) HandlePaymentSucceeded(ctx context.Context, event models.PaymentSucceededEvent) (*models.Donation, error) {
	args := m.Called(ctx, event)
	donation, _ := args.Get(0).(*models.Donation)
	return donation, args.Error(1)
}

func (m *MockDonationService) GetDonation(ctx context.Context, id uint, caller *models.Caller) (*models.Donation, error) {
	args := m.Called(ctx, id, caller)
	donation, _ := args.Get(0).(*models.Donation)
	return donation, args.Error(1)
}

func (m *MockDonationService) GetCampaignProgress(ctx context.Context, id uint) (*models.Campaign, error) {
	args := m.Called(ctx, id)
	campaign, _ := args.Get(0).(*models.Campaign)
	return campaign, args.Error(1)
}

func (m *MockDonationService) GetDonorLedger(ctx context.Context, donorID uuid.UUID, caller *models.Caller) (*models.Donor, error) {
	args := m.Called(ctx, donorID, caller)
	donor, _ := args.Get(0).(*models.Donor)
	return donor, args.Error(1)
}

func (m *MockDonationService) SearchDonations(ctx context.Context, query models.DonationSearch, caller *models.Caller) ([]models.DonationResponse, error) {
	args := m.Called(ctx, query, caller)
	results, _ := args.Get(0).([]models.DonationResponse)
	return results, args.Error(1)
}

func newTestRouter(service DonationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.Identity())
	NewDonationHandler(service, nil).RegisterRoutes(router)
	return router
}

func perform(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) services.Result {
	t.Helper()
	var result services.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	return result
}

func sampleDonation(donorID uuid.UUID) *models.Donation {
	txn := "pi_123"
	return &models.Donation{
		ID:              42,
		DonorID:         donorID,
		CampaignID:      7,
		Amount:          decimal.RequireFromString("25.50"),
		Currency:        "USD",
		DonationType:    models.DonationTypeOneTime,
		PaymentStatus:   models.PaymentStatusCompleted,
		TransactionID:   &txn,
		IsAnonymous:     donorID == models.AnonymousDonorID,
		IsTaxDeductible: true,
		DonatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleCreateDonation(t *testing.T) {
	userID := uuid.New()

	t.Run("authenticated donor", func(t *testing.T) {
		service := new(MockDonationService)
		caller := &models.Caller{ID: userID, Email: "ada@example.org", Role: models.RoleUser}
		service.On("CreateDonation", mock.Anything, mock.MatchedBy(func(in models.DonationInput) bool {
			return in.CampaignID == 7 && in.Amount.Equal(decimal.RequireFromString("25.50")) && in.Currency == "usd"
		}), caller).Return(sampleDonation(userID), nil)

		w := perform(newTestRouter(service), http.MethodPost, "/donations",
			`{"campaign_id":7,"amount":"25.50","currency":"usd","donation_type":"one_time"}`,
			map[string]string{
				middleware.HeaderUserID:    userID.String(),
				middleware.HeaderUserEmail: "ada@example.org",
			})

		assert.Equal(t, http.StatusCreated, w.Code)
		result := decodeResult(t, w)
		assert.True(t, result.Success)
		require.NotNil(t, result.Donation)
		assert.Equal(t, "42", result.Donation.ID)
		assert.Equal(t, "25.50", result.Donation.Amount)
		assert.Equal(t, userID.String(), result.Donation.DonorID)
		assert.False(t, result.Donation.IsAnonymous)
		assert.Empty(t, result.Code)
		service.AssertExpectations(t)
	})

	t.Run("anonymous donor", func(t *testing.T) {
		service := new(MockDonationService)
		service.On("CreateDonation", mock.Anything, mock.Anything, (*models.Caller)(nil)).
			Return(sampleDonation(models.AnonymousDonorID), nil)

		w := perform(newTestRouter(service), http.MethodPost, "/donations",
			`{"campaign_id":7,"amount":25.5,"currency":"usd","donation_type":"one_time"}`, nil)

		assert.Equal(t, http.StatusCreated, w.Code)
		result := decodeResult(t, w)
		require.NotNil(t, result.Donation)
		assert.True(t, result.Donation.IsAnonymous)
		service.AssertExpectations(t)
	})

	t.Run("malformed body", func(t *testing.T) {
		service := new(MockDonationService)

		w := perform(newTestRouter(service), http.MethodPost, "/donations", `{"campaign_id":`, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		result := decodeResult(t, w)
		assert.False(t, result.Success)
		assert.Equal(t, services.CodeValidation, result.Code)
		service.AssertNotCalled(t, "CreateDonation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid identity header", func(t *testing.T) {
		service := new(MockDonationService)

		w := perform(newTestRouter(service), http.MethodPost, "/donations",
			`{"campaign_id":7,"amount":"1.00","currency":"usd","donation_type":"one_time"}`,
			map[string]string{middleware.HeaderUserID: "not-a-uuid"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, services.CodeValidation, decodeResult(t, w).Code)
		service.AssertNotCalled(t, "CreateDonation", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		code   services.Code
		status int
	}{
		{"validation", services.CodeValidation, http.StatusBadRequest},
		{"campaign not found", services.CodeCampaignNotFound, http.StatusNotFound},
		{"donation not found", services.CodeDonationNotFound, http.StatusNotFound},
		{"forbidden", services.CodeInsufficientPermissions, http.StatusForbidden},
		{"create failure", services.CodeDonationCreate, http.StatusInternalServerError},
		{"payment failure", services.CodePaymentDonation, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockDonationService)
			service.On("CreateDonation", mock.Anything, mock.Anything, mock.Anything).
				Return(nil, &services.Error{Code: tt.code, Message: "nope"})

			w := perform(newTestRouter(service), http.MethodPost, "/donations",
				`{"campaign_id":7,"amount":"1.00","currency":"usd","donation_type":"one_time"}`, nil)

			assert.Equal(t, tt.status, w.Code)
			result := decodeResult(t, w)
			assert.False(t, result.Success)
			assert.Nil(t, result.Donation)
			assert.Equal(t, tt.code, result.Code)
			assert.Equal(t, "nope", result.Error)
		})
	}
}

func TestHandlePaymentWebhook(t *testing.T) {
	t.Run("success envelope", func(t *testing.T) {
		service := new(MockDonationService)
		service.On("HandlePaymentSucceeded", mock.Anything, mock.MatchedBy(func(e models.PaymentSucceededEvent) bool {
			return e.TransactionID == "pi_123" && e.Amount == 2550 && e.CampaignID == 7
		})).Return(sampleDonation(models.AnonymousDonorID), nil)

		body := `{"type":"payment_intent.succeeded","data":{"object":{"transaction_id":"pi_123","amount":2550,"currency":"usd","campaign_id":7,"created_at":1700000000}}}`
		w := perform(newTestRouter(service), http.MethodPost, "/webhooks/payments", body, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		result := decodeResult(t, w)
		assert.True(t, result.Success)
		require.NotNil(t, result.Donation)
		assert.Equal(t, "pi_123", *result.Donation.TransactionID)
		service.AssertExpectations(t)
	})

	t.Run("other event types are acknowledged", func(t *testing.T) {
		service := new(MockDonationService)

		w := perform(newTestRouter(service), http.MethodPost, "/webhooks/payments",
			`{"type":"payment_intent.payment_failed","data":{"object":{}}}`, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"ignored":true}`, w.Body.String())
		service.AssertNotCalled(t, "HandlePaymentSucceeded", mock.Anything, mock.Anything)
	})

	t.Run("malformed body", func(t *testing.T) {
		service := new(MockDonationService)

		w := perform(newTestRouter(service), http.MethodPost, "/webhooks/payments", `not json`, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, services.CodeValidation, decodeResult(t, w).Code)
	})

	t.Run("service failure", func(t *testing.T) {
		service := new(MockDonationService)
		service.On("HandlePaymentSucceeded", mock.Anything, mock.Anything).
			Return(nil, &services.Error{Code: services.CodePaymentDonation, Message: "failed to process payment"})

		w := perform(newTestRouter(service), http.MethodPost, "/webhooks/payments",
			`{"transaction_id":"pi_9","amount":100,"currency":"usd","campaign_id":7}`, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, services.CodePaymentDonation, decodeResult(t, w).Code)
	})
}

func TestHandleGetDonation(t *testing.T) {
	adminID := uuid.New()
	admin := &models.Caller{ID: adminID, Role: models.RoleAdmin}

	service := new(MockDonationService)
	service.On("GetDonation", mock.Anything, uint(42), admin).Return(sampleDonation(uuid.New()), nil)
	router := newTestRouter(service)

	w := perform(router, http.MethodGet, "/donations/42", "", map[string]string{
		middleware.HeaderUserID:   adminID.String(),
		middleware.HeaderUserRole: "ADMIN",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", decodeResult(t, w).Donation.ID)

	w = perform(router, http.MethodGet, "/donations/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodGet, "/donations/0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	service.AssertNumberOfCalls(t, "GetDonation", 1)
}

func TestHandleGetCampaignProgress(t *testing.T) {
	service := new(MockDonationService)
	service.On("GetCampaignProgress", mock.Anything, uint(7)).Return(&models.Campaign{
		ID:            7,
		Title:         "Wells",
		GoalAmount:    decimal.RequireFromString("1000"),
		CurrentAmount: decimal.RequireFromString("1000"),
		DonorCount:    3,
		IsActive:      false,
		IsCompleted:   true,
	}, nil)
	service.On("GetCampaignProgress", mock.Anything, uint(8)).
		Return(nil, &services.Error{Code: services.CodeCampaignNotFound, Message: "campaign not found"})
	router := newTestRouter(service)

	w := perform(router, http.MethodGet, "/campaigns/7/progress", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success  bool                    `json:"success"`
		Campaign models.CampaignProgress `json:"campaign"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "1000.00", body.Campaign.CurrentAmount)
	assert.True(t, body.Campaign.IsCompleted)
	assert.False(t, body.Campaign.IsActive)

	w = perform(router, http.MethodGet, "/campaigns/8/progress", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, services.CodeCampaignNotFound, decodeResult(t, w).Code)
}

func TestHandleGetDonor(t *testing.T) {
	donorID := uuid.New()
	caller := &models.Caller{ID: donorID, Role: models.RoleUser}

	service := new(MockDonationService)
	service.On("GetDonorLedger", mock.Anything, donorID, caller).Return(&models.Donor{
		ID:           donorID,
		TotalDonated: decimal.RequireFromString("75.25"),
	}, nil)
	router := newTestRouter(service)

	w := perform(router, http.MethodGet, "/donors/"+donorID.String(), "", map[string]string{
		middleware.HeaderUserID: donorID.String(),
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Donor models.DonorLedger `json:"donor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "75.25", body.Donor.TotalDonated)
	assert.False(t, body.Donor.IsAnonymous)

	w = perform(router, http.MethodGet, "/donors/42", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSearchDonations(t *testing.T) {
	adminID := uuid.New()
	admin := &models.Caller{ID: adminID, Role: models.RoleAdmin}

	service := new(MockDonationService)
	service.On("SearchDonations", mock.Anything, mock.MatchedBy(func(q models.DonationSearch) bool {
		return q.CampaignID == 7 && q.Status == models.PaymentStatusCompleted && q.Size == 10
	}), admin).Return([]models.DonationResponse{*models.NewDonationResponse(sampleDonation(uuid.New()))}, nil)
	service.On("SearchDonations", mock.Anything, mock.Anything, (*models.Caller)(nil)).
		Return(nil, &services.Error{Code: services.CodeInsufficientPermissions, Message: "admin role required"})
	router := newTestRouter(service)

	w := perform(router, http.MethodGet, "/donations/search?campaign_id=7&status=completed&size=10", "", map[string]string{
		middleware.HeaderUserID:   adminID.String(),
		middleware.HeaderUserRole: "admin",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success   bool                      `json:"success"`
		Donations []models.DonationResponse `json:"donations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Donations, 1)
	assert.Equal(t, "42", body.Donations[0].ID)

	w = perform(router, http.MethodGet, "/donations/search", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.CodeInsufficientPermissions, decodeResult(t, w).Code)
}
