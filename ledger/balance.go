package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE VALIDATOR - Shared by manual entry and SIE import
// =============================================================================

// LineAmounts is the validator's view of a line: a nullable debit and a
// nullable credit.
type LineAmounts struct {
	Debit  decimal.NullDecimal
	Credit decimal.NullDecimal
}

// BalanceResult holds the totals of a set of lines.
type BalanceResult struct {
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	Balanced    bool
}

// Difference returns debit minus credit.
func (r BalanceResult) Difference() decimal.Decimal {
	return r.TotalDebit.Sub(r.TotalCredit)
}

// CheckBalance totals the lines and reports whether they balance within
// Epsilon. Null counts as zero. A line with both sides set, neither side set,
// or a negative side fails with ErrInvalidLine.
//
// It is pure and is the single balance policy for every write path.
func CheckBalance(lines []LineAmounts) (BalanceResult, error) {
	res := BalanceResult{TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for i, l := range lines {
		if err := checkSides(l); err != nil {
			return res, &ValidationError{Field: fmt.Sprintf("lines[%d]", i), Message: err.Error(), Err: ErrInvalidLine}
		}
		res.TotalDebit = res.TotalDebit.Add(ValueOf(l.Debit))
		res.TotalCredit = res.TotalCredit.Add(ValueOf(l.Credit))
	}
	res.Balanced = WithinEpsilon(res.TotalDebit, res.TotalCredit)
	return res, nil
}

func checkSides(l LineAmounts) error {
	hasDebit, hasCredit := HasValue(l.Debit), HasValue(l.Credit)
	switch {
	case hasDebit && hasCredit:
		return fmt.Errorf("both debit (%s) and credit (%s) set", l.Debit.Decimal, l.Credit.Decimal)
	case !hasDebit && !hasCredit:
		return fmt.Errorf("neither debit nor credit set")
	case hasDebit && l.Debit.Decimal.IsNegative():
		return fmt.Errorf("debit %s is negative", l.Debit.Decimal)
	case hasCredit && l.Credit.Decimal.IsNegative():
		return fmt.Errorf("credit %s is negative", l.Credit.Decimal)
	}
	return nil
}

// ValidateLines checks every journal-entry invariant that does not need
// storage: at least two lines, valid account numbers, amounts with at most
// two decimals and within MaxAmount, exactly one side per line, and balance.
func ValidateLines(lines []Line) (BalanceResult, error) {
	if len(lines) < 2 {
		return BalanceResult{}, &ValidationError{
			Field:   "lines",
			Message: fmt.Sprintf("got %d line(s)", len(lines)),
			Err:     ErrTooFewLines,
		}
	}

	amounts := make([]LineAmounts, len(lines))
	for i, l := range lines {
		if !l.AccountNumber.Valid() {
			return BalanceResult{}, &ValidationError{
				Field:   fmt.Sprintf("lines[%d].account", i),
				Message: fmt.Sprintf("%d outside %d-%d", l.AccountNumber, MinAccountNumber, MaxAccountNumber),
				Err:     ErrInvalidAccount,
			}
		}
		for _, side := range []struct {
			name string
			v    decimal.NullDecimal
		}{{"debit", l.Debit}, {"credit", l.Credit}} {
			if side.v.Valid && !HasAtMostTwoDecimals(side.v.Decimal) {
				return BalanceResult{}, &ValidationError{
					Field:   fmt.Sprintf("lines[%d].%s", i, side.name),
					Message: fmt.Sprintf("%s has more than %d decimals", side.v.Decimal, MaxDecimals),
					Err:     ErrInvalidAmount,
				}
			}
			if side.v.Valid && !WithinLimit(side.v.Decimal) {
				return BalanceResult{}, &ValidationError{
					Field:   fmt.Sprintf("lines[%d].%s", i, side.name),
					Message: fmt.Sprintf("%s exceeds %s", side.v.Decimal, MaxAmount.StringFixed(MaxDecimals)),
					Err:     ErrInvalidAmount,
				}
			}
		}
		amounts[i] = l.Amounts()
	}

	res, err := CheckBalance(amounts)
	if err != nil {
		return res, err
	}
	if !res.Balanced {
		return res, &UnbalancedError{TotalDebit: res.TotalDebit, TotalCredit: res.TotalCredit}
	}
	return res, nil
}
