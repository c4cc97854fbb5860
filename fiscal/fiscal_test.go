package fiscal_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/fiscal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var wc = ledger.WorkspaceContext{WorkspaceID: "ws-1", ActorID: "user-1"}

type fixture struct {
	store     *sqlite.Store
	lifecycle *fiscal.Lifecycle
	workflow  *fiscal.Workflow
	period    ledger.FiscalPeriod
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := audit.Direct{Log: store}
	f := &fixture{
		store:     store,
		lifecycle: fiscal.NewLifecycle(store, rec, nil),
		workflow:  fiscal.NewWorkflow(store, rec, nil),
	}
	f.period, err = f.lifecycle.Create(context.Background(), wc, fiscal.CreatePeriodInput{
		Label: "Räkenskapsår 2024",
		Start: ledger.MustDate("2024-01-01"),
		End:   ledger.MustDate("2024-12-31"),
	})
	require.NoError(t, err)
	return f
}

// insert books a balanced entry directly in the store.
func (f *fixture) insert(t *testing.T, number int, date string, lines ...ledger.Line) {
	t.Helper()
	err := f.store.InsertEntry(context.Background(), ledger.JournalEntry{
		ID:                 ledger.EntryID(fmt.Sprintf("%s-%d", f.period.ID, number)),
		WorkspaceID:        wc.WorkspaceID,
		FiscalPeriodID:     f.period.ID,
		VerificationNumber: number,
		EntryDate:          ledger.MustDate(date),
		EntryType:          ledger.EntryOther,
		SourceType:         ledger.SourceManual,
		Lines:              lines,
	})
	require.NoError(t, err)
}

// walkTo advances the closing of the fixture period to target.
func (f *fixture) walkTo(t *testing.T, target ledger.ClosingStatus) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		status ledger.ClosingStatus
		run    func() error
	}{
		{ledger.ClosingReconciliationComplete, func() error {
			_, err := f.workflow.CompleteReconciliation(ctx, wc, f.period.ID)
			return err
		}},
		{ledger.ClosingPackageSelected, func() error {
			_, err := f.workflow.SelectPackage(ctx, wc, f.period.ID, ledger.PackageK2)
			return err
		}},
		{ledger.ClosingEntriesCreated, func() error {
			_, err := f.workflow.MarkClosingEntriesCreated(ctx, wc, f.period.ID, true)
			return err
		}},
		{ledger.ClosingTaxCalculated, func() error {
			_, err := f.workflow.SaveTaxCalculation(ctx, wc, f.period.ID, fiscal.TaxCalculation{TaxAmount: ledger.MustAmount("0")})
			return err
		}},
		{ledger.ClosingFinalized, func() error {
			_, err := f.workflow.Finalize(ctx, wc, f.period.ID)
			return err
		}},
	}
	for _, s := range steps {
		require.NoError(t, s.run(), "advancing to %s", s.status)
		if s.status == target {
			return
		}
	}
}

// =============================================================================
// PERIOD LIFECYCLE
// =============================================================================

func TestCreate_DerivesSlugAndValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, "rakenskapsar-2024", f.period.Slug)
	assert.Equal(t, ledger.PeriodOpen, f.period.Status())

	_, err := f.lifecycle.Create(ctx, wc, fiscal.CreatePeriodInput{
		Label: "Räkenskapsår 2024", Start: ledger.MustDate("2025-01-01"), End: ledger.MustDate("2025-12-31"),
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateSlug)

	_, err = f.lifecycle.Create(ctx, wc, fiscal.CreatePeriodInput{
		Label: "Backwards", Start: ledger.MustDate("2025-12-31"), End: ledger.MustDate("2025-01-01"),
	})
	assert.True(t, ledger.IsValidation(err))

	got, err := f.lifecycle.GetBySlug(ctx, wc, "rakenskapsar-2024")
	require.NoError(t, err)
	assert.Equal(t, f.period.ID, got.ID)
}

func TestLock_AlreadyLocked(t *testing.T) {
	// GIVEN: A locked period
	// WHEN: Locking again, by anyone
	// THEN: ErrAlreadyLocked, a state conflict

	f := newFixture(t)
	ctx := context.Background()

	p, err := f.lifecycle.Lock(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, p.Locked)
	assert.Equal(t, ledger.ActorID("user-1"), p.LockedBy)

	other := ledger.WorkspaceContext{WorkspaceID: "ws-1", ActorID: "user-2"}
	_, err = f.lifecycle.Lock(ctx, other, f.period.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyLocked)
	assert.True(t, ledger.IsStateConflict(err))
}

func TestLock_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lifecycle.Lock(ctx, wc, f.period.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ledger.ErrAlreadyLocked):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
}

func TestLock_OtherWorkspaceIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.lifecycle.Lock(context.Background(), ledger.WorkspaceContext{WorkspaceID: "ws-2"}, f.period.ID)
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
}

func TestUnlock_NotLocked(t *testing.T) {
	f := newFixture(t)
	_, err := f.lifecycle.Unlock(context.Background(), wc, f.period.ID, false)
	assert.ErrorIs(t, err, ledger.ErrNotLocked)
}

func TestUnlock_WithoutFinalizedClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lifecycle.Lock(ctx, wc, f.period.ID)
	require.NoError(t, err)

	res, err := f.lifecycle.Unlock(ctx, wc, f.period.ID, false)
	require.NoError(t, err)
	assert.False(t, res.Period.Locked)
	assert.False(t, res.ClosingReverted)

	p, err := f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodOpen, p.Status())
}

func TestUnlock_FinalizedRequiresAcknowledgement(t *testing.T) {
	// GIVEN: A finalized closing (period locked by Finalize)
	// WHEN: Unlocking without acknowledgement
	// THEN: Soft precondition, nothing changes
	// WHEN: Unlocking with acknowledgement
	// THEN: Period open and closing back at tax_calculated, atomically

	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingFinalized)

	_, err := f.lifecycle.Unlock(ctx, wc, f.period.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPreconditionRequired)
	assert.True(t, ledger.IsSoftPrecondition(err))
	var pErr *ledger.PreconditionError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "acknowledge_finalized", pErr.Acknowledge)

	p, err := f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, p.Locked)

	res, err := f.lifecycle.Unlock(ctx, wc, f.period.ID, true)
	require.NoError(t, err)
	assert.True(t, res.ClosingReverted)

	c, err := f.workflow.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingTaxCalculated, c.Status)
	assert.Nil(t, c.FinalizedAt)

	p, err = f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.False(t, p.Locked)

	records, err := f.store.QueryAudit(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditClosingRevert}})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// =============================================================================
// ANNUAL CLOSING
// =============================================================================

func TestFinalize_SkippingStagesRejected(t *testing.T) {
	// GIVEN: Closing at not_started
	// WHEN: Finalizing directly
	// THEN: StageOrderError; closing and period unchanged

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflow.Finalize(ctx, wc, f.period.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStageOrder)
	var sErr *ledger.StageOrderError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, ledger.ClosingNotStarted, sErr.Current)
	assert.Equal(t, ledger.ClosingTaxCalculated, sErr.Required)

	c, err := f.workflow.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingNotStarted, c.Status)

	p, err := f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.False(t, p.Locked, "a rejected finalize must not lock")
}

func TestWorkflow_NoStageRepeatsOrSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingReconciliationComplete)

	_, err := f.workflow.CompleteReconciliation(ctx, wc, f.period.ID)
	assert.ErrorIs(t, err, ledger.ErrStageOrder)

	_, err = f.workflow.MarkClosingEntriesCreated(ctx, wc, f.period.ID, true)
	assert.ErrorIs(t, err, ledger.ErrStageOrder)

	_, err = f.workflow.SelectPackage(ctx, wc, f.period.ID, "k9")
	assert.True(t, ledger.IsValidation(err))
}

func TestMarkClosingEntries_SoftPrecondition(t *testing.T) {
	// GIVEN: No entry dated 2024-12-31
	// WHEN: Marking closing entries without acknowledgement
	// THEN: ErrPreconditionFailed; with acknowledgement it passes and is persisted

	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingPackageSelected)

	_, err := f.workflow.MarkClosingEntriesCreated(ctx, wc, f.period.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPreconditionFailed)
	var pErr *ledger.PreconditionError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "no_closing_entries", pErr.Code)

	c, err := f.workflow.MarkClosingEntriesCreated(ctx, wc, f.period.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingEntriesCreated, c.Status)
	assert.True(t, c.NoEntriesAcknowledged)

	stored, err := f.workflow.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, stored.NoEntriesAcknowledged)

	records, err := f.store.QueryAudit(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditClosingAdvance}})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "true", records[len(records)-1].Provenance["no_entries_acknowledged"])
}

func TestMarkClosingEntries_WithEntriesNeedsNoAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingPackageSelected)
	f.insert(t, 1, "2024-12-31",
		ledger.DebitLine(8910, "Skatt", ledger.MustAmount("100")),
		ledger.CreditLine(2512, "Skatteskuld", ledger.MustAmount("100")))

	c, err := f.workflow.MarkClosingEntriesCreated(ctx, wc, f.period.ID, false)
	require.NoError(t, err)
	assert.False(t, c.NoEntriesAcknowledged)
}

func TestSaveTaxCalculation_DerivesResult(t *testing.T) {
	// GIVEN: Sales 10 000, costs 4 000, balance sheet movements
	// WHEN: Saving a tax of 1 236
	// THEN: Result before tax 6 000, net result 4 764

	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, 1, "2024-03-01",
		ledger.DebitLine(1930, "Bank", ledger.MustAmount("10000")),
		ledger.CreditLine(3001, "Försäljning", ledger.MustAmount("10000")))
	f.insert(t, 2, "2024-04-01",
		ledger.DebitLine(5010, "Lokalhyra", ledger.MustAmount("4000")),
		ledger.CreditLine(1930, "Bank", ledger.MustAmount("4000")))
	f.walkTo(t, ledger.ClosingEntriesCreated)

	c, err := f.workflow.SaveTaxCalculation(ctx, wc, f.period.ID, fiscal.TaxCalculation{TaxAmount: ledger.MustAmount("1236")})
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingTaxCalculated, c.Status)
	assert.Equal(t, "6000.00", c.ResultBeforeTax.Decimal.StringFixed(2))
	assert.Equal(t, "1236.00", c.TaxAmount.Decimal.StringFixed(2))
	assert.Equal(t, "4764.00", c.NetResult.Decimal.StringFixed(2))

	stored, err := f.workflow.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, stored.NetResult.Decimal.Equal(ledger.MustAmount("4764")))
}

func TestSaveTaxCalculation_RejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingEntriesCreated)

	for _, tax := range []string{"-1", "10.005", "100000000000000000000"} {
		_, err := f.workflow.SaveTaxCalculation(ctx, wc, f.period.ID, fiscal.TaxCalculation{TaxAmount: ledger.MustAmount(tax)})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, tax)
	}

	c, err := f.workflow.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingEntriesCreated, c.Status)
}

func TestFinalize_LocksPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingTaxCalculated)

	c, err := f.workflow.Finalize(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingFinalized, c.Status)
	require.NotNil(t, c.FinalizedAt)

	p, err := f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, p.Locked)
}

func TestFinalize_AlreadyLockedPeriodStaysLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.walkTo(t, ledger.ClosingTaxCalculated)
	_, err := f.lifecycle.Lock(ctx, wc, f.period.ID)
	require.NoError(t, err)

	c, err := f.workflow.Finalize(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClosingFinalized, c.Status)

	p, err := f.lifecycle.Get(ctx, wc, f.period.ID)
	require.NoError(t, err)
	assert.True(t, p.Locked)
}

func TestTransitions_RequireOpenPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lifecycle.Lock(ctx, wc, f.period.ID)
	require.NoError(t, err)

	_, err = f.workflow.CompleteReconciliation(ctx, wc, f.period.ID)
	assert.ErrorIs(t, err, ledger.ErrPeriodLocked)
}
