package services

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a failure class returned to callers
type Code string

const (
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeDonationNotFound        Code = "DONATION_NOT_FOUND"
	CodeCampaignNotFound        Code = "CAMPAIGN_NOT_FOUND"
	CodeDonationCreate          Code = "DONATION_CREATE_ERROR"
	CodePaymentDonation         Code = "STRIPE_DONATION_ERROR"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeDonorNotFound           Code = "DONOR_NOT_FOUND"
	CodeSearchUnavailable       Code = "SEARCH_UNAVAILABLE"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Error is a coded service failure. Message is safe to show to callers; Err
// carries the internal cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func validationError(message string, err error) *Error {
	return newError(CodeValidation, message, err)
}

// CodeOf extracts the code of a service error, or CodeInternal
func CodeOf(err error) Code {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message of err
func MessageOf(err error) string {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return "internal error"
}
