package handlers

import (
	"net/http"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/services"

	"github.com/gin-gonic/gin"
)

// statusFor maps an error code onto an HTTP status
func statusFor(code services.Code) int {
	switch code {
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeDonationNotFound, services.CodeCampaignNotFound, services.CodeDonorNotFound:
		return http.StatusNotFound
	case services.CodeInsufficientPermissions:
		return http.StatusForbidden
	case services.CodeSearchUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondDonation writes the result envelope for a donation operation
func respondDonation(c *gin.Context, successStatus int, donation *models.Donation, err error) {
	result := services.NewResult(donation, err)
	if err != nil {
		c.JSON(statusFor(result.Code), result)
		return
	}
	c.JSON(successStatus, result)
}

// respondError writes the failure envelope
func respondError(c *gin.Context, err error) {
	respondDonation(c, 0, nil, err)
}

// badRequest writes a VALIDATION_ERROR envelope
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, services.Result{
		Success: false,
		Error:   message,
		Code:    services.CodeValidation,
	})
}
