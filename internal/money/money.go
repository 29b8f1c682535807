// Package money holds the decimal helpers used for every currency amount in
// the donation core. Amounts are never represented as binary floats.
package money

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits persisted for amounts.
const Scale = 2

var (
	// ErrInvalidAmount is returned for zero, negative or unparsable amounts.
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	// ErrInvalidCurrency is returned for anything that is not a 3-letter code.
	ErrInvalidCurrency = errors.New("currency must be a 3-letter code")
)

// zeroDecimalCurrencies are charged by payment processors in major units, so
// their minor-unit amounts must not be divided by 100.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Parse converts a decimal string into an amount rounded to Scale digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "parse %q", s)
	}
	return d.Round(Scale), nil
}

// RequirePositive returns ErrInvalidAmount unless amount > 0.
func RequirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns a + b.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b)
}

// ReachesGoal reports whether current has met a positive goal. A zero or
// negative goal never completes.
func ReachesGoal(current, goal decimal.Decimal) bool {
	return goal.IsPositive() && current.GreaterThanOrEqual(goal)
}

// NormalizeCurrency upper-cases and validates an ISO 4217 style code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", errors.Wrapf(ErrInvalidCurrency, "got %q", code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", errors.Wrapf(ErrInvalidCurrency, "got %q", code)
		}
	}
	return c, nil
}

// FromMinorUnits converts a processor amount (cents for most currencies) to
// major units.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -Scale)
}

// String renders an amount with exactly Scale fractional digits.
func String(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}
