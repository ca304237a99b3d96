// Package money provides shared parsing and formatting for wallet amounts.
//
// Float balances are kept to 2 decimal places. Rounding is banker's rounding
// (half to even) so that amounts quantize the same way everywhere they are
// derived, including in idempotency key hashes.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const Places = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1.5") to a 2dp amount.
// Returns (Zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Extra precision is rounded half-to-even to 2 places
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return Zero, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, false
	}
	return Quantize(d), true
}

// MustParse is Parse for literals in tests and seed data. It panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return d
}

// Quantize rounds d to 2 places, half to even.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Places)
}

// Format renders d with exactly 2 decimal places (e.g. "120.00").
func Format(d decimal.Decimal) string {
	return d.StringFixedBank(Places)
}

// Positive reports whether d is strictly greater than zero.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
