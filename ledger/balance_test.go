package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
)

func amt(s string) decimal.Decimal { return ledger.MustAmount(s) }

func debit(s string) ledger.LineAmounts  { return ledger.LineAmounts{Debit: ledger.Some(amt(s))} }
func credit(s string) ledger.LineAmounts { return ledger.LineAmounts{Credit: ledger.Some(amt(s))} }

// =============================================================================
// CHECK BALANCE
// =============================================================================

func TestCheckBalance_Balanced(t *testing.T) {
	res, err := ledger.CheckBalance([]ledger.LineAmounts{debit("1000.00"), credit("800.00"), credit("200.00")})
	require.NoError(t, err)

	assert.True(t, res.Balanced)
	assert.True(t, res.TotalDebit.Equal(amt("1000")))
	assert.True(t, res.TotalCredit.Equal(amt("1000")))
	assert.True(t, res.Difference().IsZero())
}

func TestCheckBalance_WithinEpsilon(t *testing.T) {
	// 0.005 is below one öre and counts as balanced
	res, err := ledger.CheckBalance([]ledger.LineAmounts{debit("100.005"), credit("100.00")})
	require.NoError(t, err)
	assert.True(t, res.Balanced)

	res, err = ledger.CheckBalance([]ledger.LineAmounts{debit("100.01"), credit("100.00")})
	require.NoError(t, err)
	assert.False(t, res.Balanced)
}

func TestCheckBalance_NoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 against 0.3 must balance exactly
	res, err := ledger.CheckBalance([]ledger.LineAmounts{debit("0.1"), debit("0.2"), credit("0.3")})
	require.NoError(t, err)
	assert.True(t, res.Balanced)
	assert.True(t, res.Difference().IsZero())
}

func TestCheckBalance_InvalidLines(t *testing.T) {
	tests := []struct {
		name string
		line ledger.LineAmounts
	}{
		{"both sides", ledger.LineAmounts{Debit: ledger.Some(amt("1")), Credit: ledger.Some(amt("1"))}},
		{"no side", ledger.LineAmounts{}},
		{"zero sides", ledger.LineAmounts{Debit: ledger.Some(decimal.Zero), Credit: ledger.Some(decimal.Zero)}},
		{"negative debit", debit("-5")},
		{"negative credit", credit("-5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.CheckBalance([]ledger.LineAmounts{debit("5"), tt.line})
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrInvalidLine)
			assert.True(t, ledger.IsValidation(err))

			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "lines[1]", vErr.Field)
		})
	}
}

func TestCheckBalance_ZeroOnOneSideIsFine(t *testing.T) {
	// A zero on the unused side is the same as null
	res, err := ledger.CheckBalance([]ledger.LineAmounts{
		{Debit: ledger.Some(amt("50")), Credit: ledger.Some(decimal.Zero)},
		credit("50"),
	})
	require.NoError(t, err)
	assert.True(t, res.Balanced)
}

// =============================================================================
// VALIDATE LINES
// =============================================================================

func TestValidateLines_TooFew(t *testing.T) {
	_, err := ledger.ValidateLines([]ledger.Line{ledger.DebitLine(1930, "Bank", amt("100"))})
	assert.ErrorIs(t, err, ledger.ErrTooFewLines)
}

func TestValidateLines_InvalidAccount(t *testing.T) {
	_, err := ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(999, "Bad", amt("100")),
		ledger.CreditLine(3001, "Sales", amt("100")),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAccount)
}

func TestValidateLines_TooManyDecimals(t *testing.T) {
	_, err := ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(1930, "Bank", amt("100.001")),
		ledger.CreditLine(3001, "Sales", amt("100.001")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "lines[0].debit", vErr.Field)
}

func TestValidateLines_AmountLimit(t *testing.T) {
	// GIVEN: Amounts just at and just above MaxAmount
	// WHEN: Validating
	// THEN: The limit is accepted; anything above is ErrInvalidAmount

	_, err := ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(1930, "Bank", ledger.MaxAmount),
		ledger.CreditLine(3001, "Sales", ledger.MaxAmount),
	})
	require.NoError(t, err)

	huge := amt("100000000000000000000")
	_, err = ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(1930, "Bank", huge),
		ledger.CreditLine(3001, "Sales", huge),
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "lines[0].debit", vErr.Field)

	assert.True(t, ledger.WithinLimit(ledger.MaxAmount.Neg()))
	assert.False(t, ledger.WithinLimit(ledger.MaxAmount.Add(amt("0.01"))))
}

func TestValidateLines_Unbalanced(t *testing.T) {
	// GIVEN: Debit 1000, credit 900
	// WHEN: Validating
	// THEN: UnbalancedError with both totals

	_, err := ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(1930, "Bank", amt("1000")),
		ledger.CreditLine(3001, "Sales", amt("900")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnbalancedEntry)

	var uErr *ledger.UnbalancedError
	require.ErrorAs(t, err, &uErr)
	assert.True(t, uErr.TotalDebit.Equal(amt("1000")))
	assert.True(t, uErr.TotalCredit.Equal(amt("900")))
	assert.Contains(t, err.Error(), "100.00")
}

func TestValidateLines_Balanced(t *testing.T) {
	res, err := ledger.ValidateLines([]ledger.Line{
		ledger.DebitLine(1930, "Bank", amt("1250")),
		ledger.CreditLine(3001, "Sales", amt("1000")),
		ledger.CreditLine(2611, "Output VAT", amt("250")),
	})
	require.NoError(t, err)
	assert.True(t, res.Balanced)
}

// =============================================================================
// MONEY
// =============================================================================

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1000", "1000"},
		{"1000.50", "1000.5"},
		{"1000,50", "1000.5"},
		{"1 000,50", "1000.5"},
		{"-25.00", "-25"},
	}
	for _, tt := range tests {
		got, err := ledger.ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(amt(tt.want)), "%s -> %s", tt.in, got)
	}

	_, err := ledger.ParseAmount("abc")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = ledger.ParseAmount("")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestCentsRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.01", "1234.56", "-99.90"} {
		d := amt(s)
		assert.True(t, ledger.FromCents(ledger.ToCents(d)).Equal(d), s)
	}
	assert.Equal(t, int64(123456), ledger.ToCents(amt("1234.56")))
}
