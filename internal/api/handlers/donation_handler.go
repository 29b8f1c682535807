package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/services/donations/internal/api/middleware"
	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DonationService is the donation core as seen by the HTTP layer
type DonationService interface {
	CreateDonation(ctx context.Context, input models.DonationInput, caller *models.Caller) (*models.Donation, error)
	HandlePaymentSucceeded(ctx context.Context, event models.PaymentSucceededEvent) (*models.Donation, error)
	GetDonation(ctx context.Context, id uint, caller *models.Caller) (*models.Donation, error)
	GetCampaignProgress(ctx context.Context, id uint) (*models.Campaign, error)
	GetDonorLedger(ctx context.Context, donorID uuid.UUID, caller *models.Caller) (*models.Donor, error)
	SearchDonations(ctx context.Context, query models.DonationSearch, caller *models.Caller) ([]models.DonationResponse, error)
}

// DonationHandler handles donation-related HTTP requests
type DonationHandler struct {
	service DonationService
	tracer  tracing.Tracer
}

// NewDonationHandler creates a new donation handler
func NewDonationHandler(service DonationService, tracer tracing.Tracer) *DonationHandler {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &DonationHandler{
		service: service,
		tracer:  tracer,
	}
}

// HandleCreateDonation records a direct donation for the calling donor, or
// anonymously when no identity is present
func (h *DonationHandler) HandleCreateDonation(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-donation")
	defer h.tracer.EndTransaction(txn)

	var input models.DonationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		log.Warn().Err(err).Msg("Invalid donation request body")
		h.tracer.RecordError(txn, err)
		badRequest(c, "invalid request body")
		return
	}
	h.tracer.AddAttribute(txn, "campaign_id", input.CampaignID)

	donation, err := h.service.CreateDonation(c.Request.Context(), input, middleware.CallerFrom(c))
	if err != nil {
		h.tracer.RecordError(txn, err)
	}
	respondDonation(c, http.StatusCreated, donation, err)
}

// HandlePaymentWebhook applies a payment processor success notification.
// Other notification types are acknowledged and ignored.
func (h *DonationHandler) HandlePaymentWebhook(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-payment-webhook")
	defer h.tracer.EndTransaction(txn)

	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}

	event, err := models.ParsePaymentSucceeded(body)
	if err != nil {
		if errors.Is(err, models.ErrIgnoredEvent) {
			c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
			return
		}
		log.Warn().Err(err).Msg("Invalid payment webhook body")
		h.tracer.RecordError(txn, err)
		badRequest(c, "invalid payment event")
		return
	}
	h.tracer.AddAttribute(txn, "transaction_id", event.TransactionID)

	donation, err := h.service.HandlePaymentSucceeded(c.Request.Context(), *event)
	if err != nil {
		h.tracer.RecordError(txn, err)
	}
	respondDonation(c, http.StatusOK, donation, err)
}

// HandleGetDonation returns one donation to its donor or an admin
func (h *DonationHandler) HandleGetDonation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	donation, err := h.service.GetDonation(c.Request.Context(), id, middleware.CallerFrom(c))
	respondDonation(c, http.StatusOK, donation, err)
}

// HandleSearchDonations queries the donation index. Admin only.
func (h *DonationHandler) HandleSearchDonations(c *gin.Context) {
	var query models.DonationSearch
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "invalid search parameters")
		return
	}

	results, err := h.service.SearchDonations(c.Request.Context(), query, middleware.CallerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "donations": results})
}

// HandleGetCampaignProgress returns a campaign's current totals
func (h *DonationHandler) HandleGetCampaignProgress(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	campaign, err := h.service.GetCampaignProgress(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "campaign": models.NewCampaignProgress(campaign)})
}

// HandleGetDonor returns a donor's lifetime totals
func (h *DonationHandler) HandleGetDonor(c *gin.Context) {
	donorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "donor id must be a uuid")
		return
	}

	donor, err := h.service.GetDonorLedger(c.Request.Context(), donorID, middleware.CallerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "donor": models.NewDonorLedger(donor)})
}

// RegisterRoutes registers the handler's routes
func (h *DonationHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/donations", h.HandleCreateDonation)
	router.GET("/donations/search", h.HandleSearchDonations)
	router.GET("/donations/:id", h.HandleGetDonation)
	router.POST("/webhooks/payments", h.HandlePaymentWebhook)
	router.GET("/campaigns/:id/progress", h.HandleGetCampaignProgress)
	router.GET("/donors/:id", h.HandleGetDonor)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}
