/*
Package report derives financial reports from posted journal lines.

PURPOSE:
  The Aggregator is a pure read-side SUM/GROUP BY over entry lines. It is
  side-agnostic: totals are reported as debit and credit turnover, and
  the normal-side sign flip happens in the builders (builders.go), so the
  same aggregate serves the balance sheet, income statement and VAT report.

KEY OPERATIONS:
  Balances:        Debit/credit per account, filtered by period, account
                   range and date range
  AccountBalance:  One account, optionally limited to a period
  ListByAccount:   Posted lines of one account with a running balance
  ResultBeforeTax: Income statement result (accounts 3000-8899)

CONSISTENCY:
  Reads take no locks and see whatever the store has committed. Callers
  that need a consistent view (the tax stage of the annual closing) pass
  the transactional store instead of the shared one.

SEE ALSO:
  - ledger/store.go: BalanceStore interface
  - builders.go: Report builders driven by configuration
*/
package report

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// ResultAccounts is the income statement range summed into the result
// before tax.
var ResultAccounts = ledger.AccountRange{From: 3000, To: 8899}

// Aggregator answers balance queries.
type Aggregator struct {
	store ledger.BalanceStore
}

func NewAggregator(store ledger.BalanceStore) *Aggregator {
	return &Aggregator{store: store}
}

// Balances returns the turnover of every account with posted lines in scope.
func (a *Aggregator) Balances(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountBalance, error) {
	return a.store.AccountBalances(ctx, ws, q)
}

// AccountBalance returns the turnover of one account. An account without
// lines yields zero totals, not an error.
func (a *Aggregator) AccountBalance(ctx context.Context, ws ledger.WorkspaceID, account ledger.AccountNumber, period ledger.PeriodID) (ledger.AccountBalance, error) {
	balances, err := a.store.AccountBalances(ctx, ws, ledger.BalanceQuery{
		PeriodID: period,
		Accounts: &ledger.AccountRange{From: account, To: account},
	})
	if err != nil {
		return ledger.AccountBalance{}, err
	}
	if len(balances) == 0 {
		return ledger.AccountBalance{AccountNumber: account, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}, nil
	}
	return balances[0], nil
}

// LedgerRow is one posted line with the account balance after it.
type LedgerRow struct {
	ledger.AccountLine
	Balance decimal.Decimal // cumulative debit minus credit
}

// ListByAccount lists the lines of one account in date order with a running
// balance. Dates narrows the listing; the running balance starts at zero.
func (a *Aggregator) ListByAccount(ctx context.Context, ws ledger.WorkspaceID, account ledger.AccountNumber, period ledger.PeriodID, dates *ledger.Period) ([]LedgerRow, error) {
	lines, err := a.store.AccountLines(ctx, ws, ledger.BalanceQuery{
		PeriodID: period,
		Accounts: &ledger.AccountRange{From: account, To: account},
		Dates:    dates,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]LedgerRow, len(lines))
	running := decimal.Zero
	for i, l := range lines {
		running = running.Add(ledger.ValueOf(l.Line.Debit)).Sub(ledger.ValueOf(l.Line.Credit))
		rows[i] = LedgerRow{AccountLine: l, Balance: running}
	}
	return rows, nil
}

// ResultBeforeTax returns revenue minus costs of the period: credit minus
// debit over ResultAccounts. A profit is positive.
func ResultBeforeTax(ctx context.Context, store ledger.BalanceStore, ws ledger.WorkspaceID, period ledger.PeriodID) (decimal.Decimal, error) {
	r := ResultAccounts
	balances, err := store.AccountBalances(ctx, ws, ledger.BalanceQuery{PeriodID: period, Accounts: &r})
	if err != nil {
		return decimal.Zero, err
	}
	result := decimal.Zero
	for _, b := range balances {
		result = result.Add(b.TotalCredit).Sub(b.TotalDebit)
	}
	return result, nil
}

// Signed returns the balance expressed on the account's normal side:
// positive when the account carries its natural balance.
func Signed(b ledger.AccountBalance) decimal.Decimal {
	if b.AccountNumber.NormalSide() == ledger.SideCredit {
		return b.TotalCredit.Sub(b.TotalDebit)
	}
	return b.TotalDebit.Sub(b.TotalCredit)
}
