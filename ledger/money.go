package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-precision amounts (never float)
// =============================================================================

// Epsilon is the tolerance used when comparing debit and credit totals.
var Epsilon = decimal.New(1, -2)

// MaxDecimals is the precision of every stored amount (öre).
const MaxDecimals = 2

var hundred = decimal.NewFromInt(100)

// MaxAmount is the largest amount a single line or figure may carry. Stored
// öre values and their SQL sums stay well inside int64.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// ParseAmount parses a monetary amount. Both "." and "," are accepted as the
// decimal separator, and spaces used as thousand separators are ignored.
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(s)
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.ReplaceAll(clean, "\u00a0", "")
	clean = strings.ReplaceAll(clean, ",", ".")
	if clean == "" {
		return decimal.Zero, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustAmount parses s and panics on failure. Intended for literals.
func MustAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Some wraps d as a present nullable amount.
func Some(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ValueOf returns the amount, treating null as zero.
func ValueOf(n decimal.NullDecimal) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	return n.Decimal
}

// HasValue reports whether n is present and non-zero.
func HasValue(n decimal.NullDecimal) bool {
	return n.Valid && !n.Decimal.IsZero()
}

// HasAtMostTwoDecimals reports whether d can be stored in öre without loss.
func HasAtMostTwoDecimals(d decimal.Decimal) bool {
	scaled := d.Mul(hundred)
	return scaled.Equal(scaled.Truncate(0))
}

// WithinLimit reports whether |d| <= MaxAmount.
func WithinLimit(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// ToCents converts an amount to integer öre. The amount must already have
// been validated with HasAtMostTwoDecimals and WithinLimit.
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).IntPart()
}

// FromCents converts integer öre back to an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -MaxDecimals)
}

// WithinEpsilon reports whether a and b differ by less than Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}
