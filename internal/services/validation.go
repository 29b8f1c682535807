package services

import (
	"fmt"
	"reflect"
	"strings"

	"example.com/backstage/services/donations/internal/models"
	"example.com/backstage/services/donations/internal/money"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and folds failures into one
// VALIDATION_ERROR
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return validationError("invalid request", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
	}
	return validationError(strings.Join(msgs, "; "), err)
}

// validateDonationInput checks a direct creation request and returns the
// normalised currency
func validateDonationInput(input *models.DonationInput) (string, error) {
	if err := validateStruct(input); err != nil {
		return "", err
	}
	if err := money.RequirePositive(input.Amount); err != nil {
		return "", validationError("amount must be greater than zero", err)
	}
	if !input.Amount.Equal(input.Amount.Round(money.Scale)) {
		return "", validationError("amount has too many decimal places", money.ErrInvalidAmount)
	}
	currency, err := money.NormalizeCurrency(input.Currency)
	if err != nil {
		return "", validationError("currency must be a 3-letter code", err)
	}
	return currency, nil
}

// validatePaymentEvent checks a payment success event and resolves its donor
func validatePaymentEvent(event *models.PaymentSucceededEvent) (string, error) {
	if err := validateStruct(event); err != nil {
		return "", err
	}
	currency, err := money.NormalizeCurrency(event.Currency)
	if err != nil {
		return "", validationError("currency must be a 3-letter code", err)
	}
	if _, err := event.ResolveDonorID(); err != nil {
		return "", validationError("donor_id must be a uuid or \"anonymous\"", err)
	}
	return currency, nil
}
