package services

import (
	"example.com/backstage/services/donations/internal/models"
)

// Result is the envelope every donation operation answers with
type Result struct {
	Success  bool                     `json:"success"`
	Donation *models.DonationResponse `json:"donation,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Code     Code                     `json:"code,omitempty"`
}

// NewResult wraps the outcome of an operation. Internal causes never reach
// the envelope; only the coded message does.
func NewResult(donation *models.Donation, err error) Result {
	if err != nil {
		return Result{
			Success: false,
			Error:   MessageOf(err),
			Code:    CodeOf(err),
		}
	}
	return Result{
		Success:  true,
		Donation: models.NewDonationResponse(donation),
	}
}
