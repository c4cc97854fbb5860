// Package storetest holds the behavioural tests every ledger.TxStore must pass.
// The in-memory and SQLite stores both run them.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) ledger.TxStore

const (
	WS      ledger.WorkspaceID = "ws-1"
	OtherWS ledger.WorkspaceID = "ws-2"
)

// Period2024 returns the calendar-year 2024 period of WS.
func Period2024() ledger.FiscalPeriod {
	return ledger.FiscalPeriod{
		ID:          "fp-2024",
		WorkspaceID: WS,
		Label:       "Räkenskapsår 2024",
		Slug:        "2024",
		Range:       ledger.Period{Start: ledger.MustDate("2024-01-01"), End: ledger.MustDate("2024-12-31")},
		CreatedAt:   time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

// Entry returns a balanced two-line entry of Period2024.
func Entry(id string, number int, date string, amount string) ledger.JournalEntry {
	a := ledger.MustAmount(amount)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return ledger.JournalEntry{
		ID:                 ledger.EntryID(id),
		WorkspaceID:        WS,
		FiscalPeriodID:     "fp-2024",
		VerificationNumber: number,
		EntryDate:          ledger.MustDate(date),
		Description:        "Sale " + id,
		EntryType:          ledger.EntryIncome,
		SourceType:         ledger.SourceManual,
		Lines: []ledger.Line{
			{AccountNumber: 1930, AccountName: "Bank", Debit: ledger.Some(a), SortOrder: 0},
			{AccountNumber: 3001, AccountName: "Sales", Credit: ledger.Some(a), SortOrder: 1},
		},
		CreatedBy: "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Periods", func(t *testing.T) { testPeriods(t, newStore(t)) })
	t.Run("PeriodLockCAS", func(t *testing.T) { testPeriodLockCAS(t, newStore(t)) })
	t.Run("Entries", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("WorkspaceScoping", func(t *testing.T) { testWorkspaceScoping(t, newStore(t)) })
	t.Run("UniqueNumber", func(t *testing.T) { testUniqueNumber(t, newStore(t)) })
	t.Run("UniqueImportHash", func(t *testing.T) { testUniqueImportHash(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("ConcurrentNumbering", func(t *testing.T) { testConcurrentNumbering(t, newStore(t)) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, newStore(t)) })
	t.Run("AccountLines", func(t *testing.T) { testAccountLines(t, newStore(t)) })
	t.Run("ImportedKeys", func(t *testing.T) { testImportedKeys(t, newStore(t)) })
	t.Run("ClosingCAS", func(t *testing.T) { testClosingCAS(t, newStore(t)) })
}

func seed(t *testing.T, s ledger.Store) {
	t.Helper()
	require.NoError(t, s.CreatePeriod(context.Background(), Period2024()))
}

func testPeriods(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	p2025 := Period2024()
	p2025.ID, p2025.Slug, p2025.Label = "fp-2025", "2025", "Räkenskapsår 2025"
	p2025.Range = ledger.Period{Start: ledger.MustDate("2025-01-01"), End: ledger.MustDate("2025-12-31")}
	require.NoError(t, s.CreatePeriod(ctx, p2025))

	got, err := s.GetPeriod(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.Equal(t, "Räkenskapsår 2024", got.Label)
	assert.True(t, got.Range.Start.Equal(ledger.MustDate("2024-01-01")))
	assert.False(t, got.Locked)

	bySlug, err := s.GetPeriodBySlug(ctx, WS, "2025")
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodID("fp-2025"), bySlug.ID)

	list, err := s.ListPeriods(ctx, WS)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.PeriodID("fp-2024"), list[0].ID)

	dup := Period2024()
	dup.ID = "fp-other"
	assert.ErrorIs(t, s.CreatePeriod(ctx, dup), ledger.ErrDuplicateSlug)

	_, err = s.GetPeriod(ctx, WS, "missing")
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
}

func testPeriodLockCAS(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	changed, err := s.SetPeriodLock(ctx, WS, "fp-2024", ledger.LockChange{Locked: true, At: at, By: "user-1"})
	require.NoError(t, err)
	assert.True(t, changed)

	// Second lock is a no-op reported as unchanged
	changed, err = s.SetPeriodLock(ctx, WS, "fp-2024", ledger.LockChange{Locked: true, At: at, By: "user-2"})
	require.NoError(t, err)
	assert.False(t, changed)

	p, err := s.GetPeriod(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.True(t, p.Locked)
	require.NotNil(t, p.LockedAt)
	assert.True(t, p.LockedAt.Equal(at))
	assert.Equal(t, ledger.ActorID("user-1"), p.LockedBy)

	changed, err = s.SetPeriodLock(ctx, WS, "fp-2024", ledger.LockChange{Locked: false})
	require.NoError(t, err)
	assert.True(t, changed)

	p, err = s.GetPeriod(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.False(t, p.Locked)
	assert.Nil(t, p.LockedAt)

	_, err = s.SetPeriodLock(ctx, OtherWS, "fp-2024", ledger.LockChange{Locked: true})
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
}

func testEntries(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	e := Entry("e-1", 1, "2024-03-15", "1000.50")
	e.Lines[0].Note = "invoice 17"
	e.Lines[1].VATCode = "05"
	require.NoError(t, s.InsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, WS, "e-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.VerificationNumber)
	assert.True(t, got.EntryDate.Equal(ledger.MustDate("2024-03-15")))
	require.Len(t, got.Lines, 2)
	assert.Equal(t, ledger.AccountNumber(1930), got.Lines[0].AccountNumber)
	assert.True(t, got.Lines[0].Debit.Valid)
	assert.True(t, got.Lines[0].Debit.Decimal.Equal(ledger.MustAmount("1000.50")))
	assert.False(t, got.Lines[0].Credit.Valid)
	assert.Equal(t, "invoice 17", got.Lines[0].Note)
	assert.Equal(t, "05", got.Lines[1].VATCode)

	// Replace swaps every line
	e.Description = "Corrected"
	e.Lines = []ledger.Line{
		{AccountNumber: 1930, Debit: ledger.Some(ledger.MustAmount("500")), SortOrder: 0},
		{AccountNumber: 3001, Credit: ledger.Some(ledger.MustAmount("400")), SortOrder: 1},
		{AccountNumber: 2611, Credit: ledger.Some(ledger.MustAmount("100")), SortOrder: 2},
	}
	require.NoError(t, s.ReplaceEntry(ctx, e))
	got, err = s.GetEntry(ctx, WS, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "Corrected", got.Description)
	require.Len(t, got.Lines, 3)
	assert.Equal(t, ledger.AccountNumber(2611), got.Lines[2].AccountNumber)

	require.NoError(t, s.SetEntryLocked(ctx, WS, "e-1", true, time.Now()))
	got, err = s.GetEntry(ctx, WS, "e-1")
	require.NoError(t, err)
	assert.True(t, got.Locked)

	require.NoError(t, s.InsertEntry(ctx, Entry("e-2", 2, "2024-12-31", "10")))
	n, err := s.CountEntriesOn(ctx, WS, "fp-2024", ledger.MustDate("2024-12-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListEntries(ctx, WS, ledger.EntryFilter{PeriodID: "fp-2024"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].VerificationNumber)
	assert.Equal(t, 2, list[1].VerificationNumber)

	ranged, err := s.ListEntries(ctx, WS, ledger.EntryFilter{
		Dates: &ledger.Period{Start: ledger.MustDate("2024-12-01"), End: ledger.MustDate("2024-12-31")},
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, ledger.EntryID("e-2"), ranged[0].ID)

	require.NoError(t, s.DeleteEntry(ctx, WS, "e-2"))
	_, err = s.GetEntry(ctx, WS, "e-2")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
	assert.ErrorIs(t, s.DeleteEntry(ctx, WS, "e-2"), ledger.ErrEntryNotFound)
}

func testWorkspaceScoping(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertEntry(ctx, Entry("e-1", 1, "2024-03-15", "100")))

	_, err := s.GetEntry(ctx, OtherWS, "e-1")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
	_, err = s.GetPeriod(ctx, OtherWS, "fp-2024")
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
	assert.ErrorIs(t, s.DeleteEntry(ctx, OtherWS, "e-1"), ledger.ErrEntryNotFound)

	balances, err := s.AccountBalances(ctx, OtherWS, ledger.BalanceQuery{})
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func testUniqueNumber(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertEntry(ctx, Entry("e-1", 1, "2024-03-15", "100")))

	err := s.InsertEntry(ctx, Entry("e-2", 1, "2024-03-16", "200"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateVerificationNumber)
	assert.True(t, ledger.IsRetryable(err))

	max, err := s.MaxVerificationNumber(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.Equal(t, 1, max)
}

func testUniqueImportHash(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	e1 := Entry("e-1", 1, "2024-03-15", "100")
	e1.SourceType, e1.ImportHash, e1.SourceID = ledger.SourceImport, "hash-a", "A1"
	require.NoError(t, s.InsertEntry(ctx, e1))

	e2 := Entry("e-2", 2, "2024-03-15", "100")
	e2.SourceType, e2.ImportHash, e2.SourceID = ledger.SourceImport, "hash-a", "A2"
	assert.ErrorIs(t, s.InsertEntry(ctx, e2), ledger.ErrDuplicateTransaction)

	// Entries without a hash never collide
	require.NoError(t, s.InsertEntry(ctx, Entry("e-3", 3, "2024-03-15", "100")))
	require.NoError(t, s.InsertEntry(ctx, Entry("e-4", 4, "2024-03-15", "100")))
}

func testWithTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.InsertEntry(ctx, Entry("e-1", 1, "2024-03-15", "100")))
		_, err := tx.SetPeriodLock(ctx, WS, "fp-2024", ledger.LockChange{Locked: true, At: time.Now()})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEntry(ctx, WS, "e-1")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
	p, err := s.GetPeriod(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.False(t, p.Locked, "lock must roll back with the entry")

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.InsertEntry(ctx, Entry("e-1", 1, "2024-03-15", "100"))
	})
	require.NoError(t, err)
	_, err = s.GetEntry(ctx, WS, "e-1")
	assert.NoError(t, err)
}

func testConcurrentNumbering(t *testing.T, s ledger.TxStore) {
	// GIVEN: 20 writers numbering inside WithTx at the same time
	// THEN: Numbers 1..20, no gaps, no duplicates

	ctx := context.Background()
	seed(t, s)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx ledger.Store) error {
				n, err := ledger.NextNumber(ctx, tx, WS, "fp-2024")
				if err != nil {
					return err
				}
				return tx.InsertEntry(ctx, Entry(fmt.Sprintf("e-%d", i), n, "2024-05-01", "1"))
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := s.ListEntries(ctx, WS, ledger.EntryFilter{PeriodID: "fp-2024"})
	require.NoError(t, err)
	require.Len(t, list, writers)
	for i, e := range list {
		assert.Equal(t, i+1, e.VerificationNumber)
	}
}

func testBalances(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.UpsertAccounts(ctx, WS, []ledger.Account{{Number: 1930, Name: "Företagskonto"}}))
	require.NoError(t, s.InsertEntry(ctx, Entry("e-1", 1, "2024-01-10", "100.10")))
	require.NoError(t, s.InsertEntry(ctx, Entry("e-2", 2, "2024-02-10", "200.20")))
	require.NoError(t, s.InsertEntry(ctx, Entry("e-3", 3, "2024-03-10", "0.01")))

	balances, err := s.AccountBalances(ctx, WS, ledger.BalanceQuery{PeriodID: "fp-2024"})
	require.NoError(t, err)
	require.Len(t, balances, 2)

	bank := balances[0]
	assert.Equal(t, ledger.AccountNumber(1930), bank.AccountNumber)
	assert.Equal(t, "Företagskonto", bank.AccountName, "chart name wins over line name")
	assert.True(t, bank.TotalDebit.Equal(ledger.MustAmount("300.31")), bank.TotalDebit.String())
	assert.True(t, bank.TotalCredit.IsZero())

	sales := balances[1]
	assert.Equal(t, "Sales", sales.AccountName)
	assert.True(t, sales.TotalCredit.Equal(ledger.MustAmount("300.31")))

	// Account range and date range narrow the aggregate
	ranged, err := s.AccountBalances(ctx, WS, ledger.BalanceQuery{
		Accounts: &ledger.AccountRange{From: 3000, To: 3999},
		Dates:    &ledger.Period{Start: ledger.MustDate("2024-02-01"), End: ledger.MustDate("2024-02-28")},
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.True(t, ranged[0].TotalCredit.Equal(ledger.MustAmount("200.20")))

	accounts, err := s.ListAccounts(ctx, WS)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.NoError(t, s.UpsertAccounts(ctx, WS, []ledger.Account{{Number: 1930, Name: "Bank"}}))
	accounts, err = s.ListAccounts(ctx, WS)
	require.NoError(t, err)
	assert.Equal(t, "Bank", accounts[0].Name)
}

func testAccountLines(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertEntry(ctx, Entry("e-2", 2, "2024-02-10", "20")))
	require.NoError(t, s.InsertEntry(ctx, Entry("e-1", 1, "2024-01-10", "10")))

	lines, err := s.AccountLines(ctx, WS, ledger.BalanceQuery{Accounts: &ledger.AccountRange{From: 1930, To: 1930}})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0].VerificationNumber)
	assert.Equal(t, "Sale e-1", lines[0].Description)
	assert.True(t, lines[0].Line.Debit.Decimal.Equal(ledger.MustAmount("10")))
	assert.Equal(t, 2, lines[1].VerificationNumber)
}

func testImportedKeys(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	e := Entry("e-1", 1, "2024-03-15", "100")
	e.SourceType, e.ImportHash, e.SourceID = ledger.SourceImport, "hash-a", "A1"
	require.NoError(t, s.InsertEntry(ctx, e))

	keys, err := s.ImportedKeys(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.True(t, keys.Hashes["hash-a"])
	assert.True(t, keys.SourceIDs["A1"])

	// Source ids are period scoped, hashes are workspace scoped
	keys, err = s.ImportedKeys(ctx, WS, "fp-2025")
	require.NoError(t, err)
	assert.True(t, keys.Hashes["hash-a"])
	assert.False(t, keys.SourceIDs["A1"])

	keys, err = s.ImportedKeys(ctx, OtherWS, "fp-2024")
	require.NoError(t, err)
	assert.Empty(t, keys.Hashes)
}

func testClosingCAS(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	c, err := s.GetClosing(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingNotStarted, c.Status)

	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	c.Status = ledger.ClosingReconciliationComplete
	c.ReconciledAt = &now
	c.UpdatedAt = now
	ok, err := s.AdvanceClosing(ctx, c, ledger.ClosingNotStarted)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replaying the same transition loses the race
	ok, err = s.AdvanceClosing(ctx, c, ledger.ClosingNotStarted)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Status = ledger.ClosingPackageSelected
	c.Package = ledger.PackageK2
	ok, err = s.AdvanceClosing(ctx, c, ledger.ClosingReconciliationComplete)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong predecessor
	c.Status = ledger.ClosingFinalized
	ok, err = s.AdvanceClosing(ctx, c, ledger.ClosingTaxCalculated)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetClosing(ctx, WS, "fp-2024")
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingPackageSelected, got.Status)
	assert.Equal(t, ledger.PackageK2, got.Package)
	require.NotNil(t, got.ReconciledAt)
	assert.True(t, got.ReconciledAt.Equal(now))
}
