package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the number of fraction digits carried by every amount.
const AmountPlaces = 2

var hundred = decimal.NewFromInt(100)

// NormalizeAmount rounds a transfer amount to two fraction digits and
// rejects anything that is not strictly positive afterwards.
func NormalizeAmount(d decimal.Decimal) (decimal.Decimal, error) {
	n := d.Round(AmountPlaces)
	if !n.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	return n, nil
}

// ParseAmount parses a decimal string and normalizes it.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return NormalizeAmount(d)
}

// ToCents converts an amount to integer minor units for SQL storage.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(AmountPlaces).Mul(hundred).IntPart()
}

// FromCents converts integer minor units back to an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -AmountPlaces)
}
