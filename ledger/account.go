package ledger

import (
	"fmt"
	"strconv"
)

// =============================================================================
// ACCOUNT - BAS chart account numbers
// =============================================================================

// AccountNumber is a four-digit BAS account number.
type AccountNumber int

const (
	MinAccountNumber AccountNumber = 1000
	MaxAccountNumber AccountNumber = 9999
)

// ParseAccountNumber parses a four-digit account number.
func ParseAccountNumber(s string) (AccountNumber, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}
	a := AccountNumber(n)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: %d outside %d-%d", ErrInvalidAccount, n, MinAccountNumber, MaxAccountNumber)
	}
	return a, nil
}

// Valid reports whether the number is inside the BAS range.
func (n AccountNumber) Valid() bool {
	return n >= MinAccountNumber && n <= MaxAccountNumber
}

// Class returns the first digit (1 = assets, 2 = equity and liabilities, ...).
func (n AccountNumber) Class() int {
	return int(n) / 1000
}

func (n AccountNumber) String() string {
	return strconv.Itoa(int(n))
}

// Side is the side of the ledger on which an account normally grows.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// NormalSide is derived from the BAS range, never stored.
//
//	1xxx assets                  debit
//	2xxx equity and liabilities  credit
//	3xxx operating revenue       credit
//	4xxx-7xxx expenses           debit
//	8000-8399 financial income   credit
//	8400-8999 financial costs, appropriations, tax, result  debit
func (n AccountNumber) NormalSide() Side {
	switch c := n.Class(); {
	case c == 2 || c == 3:
		return SideCredit
	case c == 8 && n < 8400:
		return SideCredit
	default:
		return SideDebit
	}
}

// IsBalanceSheet reports whether the account belongs to the balance sheet
// (classes 1 and 2). All other accounts are income statement accounts.
func (n AccountNumber) IsBalanceSheet() bool {
	return n.Class() == 1 || n.Class() == 2
}

// Account is chart-of-accounts reference data for one workspace.
type Account struct {
	WorkspaceID WorkspaceID
	Number      AccountNumber
	Name        string
}

// AccountRange is an inclusive account number range.
type AccountRange struct {
	From AccountNumber `yaml:"from" json:"from"`
	To   AccountNumber `yaml:"to" json:"to"`
}

// Contains reports whether n is inside the range.
func (r AccountRange) Contains(n AccountNumber) bool {
	return n >= r.From && n <= r.To
}
