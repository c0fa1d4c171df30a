package domain

import (
	"github.com/shopspring/decimal"
)

// Ledger amounts carry two fractional digits. The processor works in the
// smallest currency unit (kobo, cents).
const (
	AmountScale        = 2
	minorUnitsExponent = -AmountScale
)

// MaxAmount is the largest amount a NUMERIC(18,2) column holds; its minor-unit
// form still fits in an int64.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

// ToMinor converts a ledger amount to the processor's integer representation.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(AmountScale).Round(0).IntPart()
}

// FromMinor converts a processor integer amount back to a ledger amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, minorUnitsExponent)
}

// MatchesMinor compares a ledger amount against a processor-reported minor-unit
// amount within tolerance. Internal comparisons never go through here.
func MatchesMinor(amount decimal.Decimal, minor int64, tolerance decimal.Decimal) bool {
	return amount.Sub(FromMinor(minor)).Abs().LessThanOrEqual(tolerance)
}

// ValidateAmount rejects non-positive amounts, amounts finer than the ledger
// scale, amounts below min and amounts above MaxAmount.
func ValidateAmount(amount, min decimal.Decimal) error {
	if !amount.IsPositive() {
		return Invalid("amount must be positive")
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return Invalid("amount supports at most %d decimal places", AmountScale)
	}
	if amount.LessThan(min) {
		return Invalid("amount must be at least %s", min.StringFixed(AmountScale))
	}
	if amount.GreaterThan(MaxAmount) {
		return Invalid("amount must be at most %s", MaxAmount.StringFixed(AmountScale))
	}
	return nil
}
