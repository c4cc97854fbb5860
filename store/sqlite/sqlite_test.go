package sqlite_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/storetest"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: An entry written to a database file
	// WHEN: The store is closed and reopened
	// THEN: The entry, its exact amounts and the period lock are still there

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.CreatePeriod(ctx, storetest.Period2024()))
	require.NoError(t, store.InsertEntry(ctx, storetest.Entry("e-1", 1, "2024-03-15", "1234.56")))
	_, err = store.SetPeriodLock(ctx, storetest.WS, "fp-2024", ledger.LockChange{Locked: true, At: time.Now(), By: "user-1"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	e, err := reopened.GetEntry(ctx, storetest.WS, "e-1")
	require.NoError(t, err)
	assert.True(t, e.Lines[0].Debit.Decimal.Equal(ledger.MustAmount("1234.56")))

	p, err := reopened.GetPeriod(ctx, storetest.WS, "fp-2024")
	require.NoError(t, err)
	assert.True(t, p.Locked)
}

func TestSQLite_CorruptRowsSurfaceErrors(t *testing.T) {
	// GIVEN: A database edited behind the store's back
	// WHEN: Reading the damaged rows
	// THEN: The decode failure is returned instead of a zero value

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreatePeriod(ctx, storetest.Period2024()))
	require.NoError(t, store.InsertEntry(ctx, storetest.Entry("e-1", 1, "2024-03-15", "100")))
	require.NoError(t, store.AppendAudit(ctx, ledger.AuditRecord{
		ID: "a-1", WorkspaceID: storetest.WS, Timestamp: time.Now(), Action: ledger.AuditEntryCreated,
		EntityType: "journal_entry", EntityID: "e-1",
		Provenance: map[string]string{"file_name": "bok.se"},
	}))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE journal_entries SET entry_date = 'not-a-date'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE fiscal_periods SET end_date = '2024-13-01'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE audit_log SET provenance_json = '{broken'`)
	require.NoError(t, err)

	_, err = store.GetEntry(ctx, storetest.WS, "e-1")
	assert.ErrorContains(t, err, "entry_date")

	_, err = store.GetPeriod(ctx, storetest.WS, "fp-2024")
	assert.ErrorContains(t, err, "end_date")

	_, err = store.QueryAudit(ctx, ledger.AuditFilter{WorkspaceID: storetest.WS})
	assert.ErrorContains(t, err, "provenance")
}

func TestSQLite_SumIsExact(t *testing.T) {
	// GIVEN: 1000 lines of 0.10
	// THEN: The aggregate is exactly 100.00

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreatePeriod(ctx, storetest.Period2024()))

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		for i := 1; i <= 1000; i++ {
			e := storetest.Entry(fmt.Sprintf("e-%d", i), i, "2024-04-01", "0.10")
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	balances, err := store.AccountBalances(ctx, storetest.WS, ledger.BalanceQuery{PeriodID: "fp-2024"})
	require.NoError(t, err)
	require.NotEmpty(t, balances)
	assert.Equal(t, "100.00", balances[0].TotalDebit.StringFixed(2))
	assert.True(t, balances[0].TotalDebit.Equal(ledger.MustAmount("100")))
}

func TestSQLite_DeleteCascadesLines(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreatePeriod(ctx, storetest.Period2024()))
	require.NoError(t, store.InsertEntry(ctx, storetest.Entry("e-1", 1, "2024-03-15", "50")))

	require.NoError(t, store.DeleteEntry(ctx, storetest.WS, "e-1"))

	lines, err := store.AccountLines(ctx, storetest.WS, ledger.BalanceQuery{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestSQLite_AuditLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	after, _ := json.Marshal(map[string]any{"verification_number": 7})
	require.NoError(t, store.AppendAudit(ctx, ledger.AuditRecord{
		ID: "a-1", WorkspaceID: storetest.WS, Timestamp: at, ActorID: "user-1",
		Action: ledger.AuditEntryImported, EntityType: "journal_entry", EntityID: "e-7",
		After:      after,
		Provenance: map[string]string{"file": "bokslut.se", "batch_total": "12"},
	}))
	require.NoError(t, store.AppendAudit(ctx, ledger.AuditRecord{
		ID: "a-2", WorkspaceID: storetest.WS, Timestamp: at.Add(time.Minute),
		Action: ledger.AuditEntryDeleted, EntityType: "journal_entry", EntityID: "e-7",
	}))

	records, err := store.QueryAudit(ctx, ledger.AuditFilter{WorkspaceID: storetest.WS, EntityID: "e-7"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, ledger.AuditEntryImported, first.Action)
	assert.Equal(t, ledger.ActorID("user-1"), first.ActorID)
	assert.Equal(t, "bokslut.se", first.Provenance["file"])
	assert.JSONEq(t, `{"verification_number":7}`, string(first.After))
	assert.Nil(t, first.Before)
	assert.True(t, first.Timestamp.Equal(at))

	imports, err := store.QueryAudit(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditEntryDeleted}})
	require.NoError(t, err)
	require.Len(t, imports, 1)
	assert.Equal(t, "a-2", imports[0].ID)

	limited, err := store.QueryAudit(ctx, ledger.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
