package fiscal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/report"
)

// =============================================================================
// ANNUAL CLOSING WORKFLOW
// =============================================================================
//
//   not_started
//     -> reconciliation_complete   CompleteReconciliation
//     -> package_selected          SelectPackage
//     -> closing_entries_created   MarkClosingEntriesCreated (soft precondition)
//     -> tax_calculated            SaveTaxCalculation
//     -> finalized                 Finalize (locks the period)
//
// Every transition is a compare-and-swap from exactly its predecessor. A
// call from any other stage fails with *ledger.StageOrderError; no stage can
// be skipped. Transitions run against an open period, except Finalize,
// which tolerates a period that is already locked and leaves it locked.

// Workflow drives the annual closing of fiscal periods.
type Workflow struct {
	store  ledger.TxStore
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

func NewWorkflow(store ledger.TxStore, rec audit.Recorder, logger *zap.Logger) *Workflow {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{store: store, audit: rec, logger: logger.Named("closing"), now: time.Now}
}

// Get returns the closing of a period; not_started when none was saved.
func (w *Workflow) Get(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	if _, err := w.store.GetPeriod(ctx, wc.WorkspaceID, period); err != nil {
		return ledger.AnnualClosing{}, err
	}
	return w.store.GetClosing(ctx, wc.WorkspaceID, period)
}

// stepFunc applies the stage-specific changes to c inside the transaction.
type stepFunc func(ctx context.Context, tx ledger.Store, p ledger.FiscalPeriod, c *ledger.AnnualClosing) error

// advance moves the closing of period to target.
func (w *Workflow) advance(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID, target ledger.ClosingStatus, requireOpen bool, step stepFunc) (ledger.AnnualClosing, error) {
	from, ok := target.Previous()
	if !ok {
		return ledger.AnnualClosing{}, fmt.Errorf("no transition into %s", target)
	}

	var out ledger.AnnualClosing
	err := w.store.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetPeriod(ctx, wc.WorkspaceID, period)
		if err != nil {
			return err
		}
		if requireOpen && p.Locked {
			return ledger.ErrPeriodLocked
		}

		c, err := tx.GetClosing(ctx, wc.WorkspaceID, period)
		if err != nil {
			return err
		}
		if c.Status != from {
			return &ledger.StageOrderError{Current: c.Status, Required: from, Attempted: target}
		}

		next := c
		next.WorkspaceID, next.FiscalPeriodID = wc.WorkspaceID, period
		next.Status = target
		next.UpdatedBy = wc.ActorID
		next.UpdatedAt = w.now().UTC()
		if step != nil {
			if err := step(ctx, tx, p, &next); err != nil {
				return err
			}
		}

		ok, err := tx.AdvanceClosing(ctx, next, from)
		if err != nil {
			return err
		}
		if !ok {
			// Another writer moved the closing between our read and write.
			current, err := tx.GetClosing(ctx, wc.WorkspaceID, period)
			if err != nil {
				return fmt.Errorf("reload closing: %w", err)
			}
			return &ledger.StageOrderError{Current: current.Status, Required: from, Attempted: target}
		}
		out = next
		return nil
	})
	if err != nil {
		return ledger.AnnualClosing{}, err
	}

	w.logger.Info("annual closing advanced",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("period_id", string(period)),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	w.audit.Record(ctx, ledger.AuditRecord{
		WorkspaceID: wc.WorkspaceID,
		ActorID:     wc.ActorID,
		Action:      ledger.AuditClosingAdvance,
		EntityType:  "annual_closing",
		EntityID:    string(period),
		After:       audit.Snapshot(out),
		Provenance: map[string]string{
			"from":                    string(from),
			"to":                      string(target),
			"no_entries_acknowledged": strconv.FormatBool(out.NoEntriesAcknowledged),
		},
	})
	return out, nil
}

// CompleteReconciliation marks the bank and balance reconciliation done.
func (w *Workflow) CompleteReconciliation(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	return w.advance(ctx, wc, period, ledger.ClosingReconciliationComplete, true,
		func(_ context.Context, _ ledger.Store, _ ledger.FiscalPeriod, c *ledger.AnnualClosing) error {
			at := c.UpdatedAt
			c.ReconciledAt = &at
			return nil
		})
}

// SelectPackage records the K-regelverk used for the annual report.
func (w *Workflow) SelectPackage(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID, pkg ledger.ClosingPackage) (ledger.AnnualClosing, error) {
	if !pkg.Valid() {
		return ledger.AnnualClosing{}, &ledger.ValidationError{Field: "package", Message: fmt.Sprintf("unknown package %q", pkg), Err: ledger.ErrValidation}
	}
	return w.advance(ctx, wc, period, ledger.ClosingPackageSelected, true,
		func(_ context.Context, _ ledger.Store, _ ledger.FiscalPeriod, c *ledger.AnnualClosing) error {
			c.Package = pkg
			return nil
		})
}

// MarkClosingEntriesCreated confirms the closing entries are booked. When no
// entry is dated on the period's last day the call fails with a soft
// precondition unless acknowledgeNoEntries is set; the acknowledgement is
// then persisted on the closing.
func (w *Workflow) MarkClosingEntriesCreated(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID, acknowledgeNoEntries bool) (ledger.AnnualClosing, error) {
	return w.advance(ctx, wc, period, ledger.ClosingEntriesCreated, true,
		func(ctx context.Context, tx ledger.Store, p ledger.FiscalPeriod, c *ledger.AnnualClosing) error {
			n, err := tx.CountEntriesOn(ctx, wc.WorkspaceID, period, p.ClosingDay())
			if err != nil {
				return err
			}
			if n == 0 && !acknowledgeNoEntries {
				return &ledger.PreconditionError{
					Code:        "no_closing_entries",
					Message:     fmt.Sprintf("no journal entries dated %s (last day of %s)", p.ClosingDay(), p.Label),
					Acknowledge: "acknowledge_no_entries",
					Err:         ledger.ErrPreconditionFailed,
				}
			}
			c.NoEntriesAcknowledged = n == 0
			return nil
		})
}

// TaxCalculation is the caller-computed tax figure. The rate formula lives
// outside the ledger.
type TaxCalculation struct {
	TaxAmount decimal.Decimal
}

// SaveTaxCalculation derives the result before tax from the aggregated
// income statement accounts and stores it with the given tax amount.
func (w *Workflow) SaveTaxCalculation(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID, in TaxCalculation) (ledger.AnnualClosing, error) {
	if in.TaxAmount.IsNegative() || !ledger.HasAtMostTwoDecimals(in.TaxAmount) || !ledger.WithinLimit(in.TaxAmount) {
		return ledger.AnnualClosing{}, &ledger.ValidationError{Field: "tax_amount", Message: in.TaxAmount.String(), Err: ledger.ErrInvalidAmount}
	}
	return w.advance(ctx, wc, period, ledger.ClosingTaxCalculated, true,
		func(ctx context.Context, tx ledger.Store, _ ledger.FiscalPeriod, c *ledger.AnnualClosing) error {
			result, err := report.ResultBeforeTax(ctx, tx, wc.WorkspaceID, period)
			if err != nil {
				return err
			}
			c.ResultBeforeTax = ledger.Some(result)
			c.TaxAmount = ledger.Some(in.TaxAmount)
			c.NetResult = ledger.Some(result.Sub(in.TaxAmount))
			return nil
		})
}

// Finalize completes the closing and locks the period in the same
// transaction.
func (w *Workflow) Finalize(ctx context.Context, wc ledger.WorkspaceContext, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	var lockedNow bool
	c, err := w.advance(ctx, wc, period, ledger.ClosingFinalized, false,
		func(ctx context.Context, tx ledger.Store, _ ledger.FiscalPeriod, c *ledger.AnnualClosing) error {
			at := c.UpdatedAt
			c.FinalizedAt = &at
			changed, err := tx.SetPeriodLock(ctx, wc.WorkspaceID, period, ledger.LockChange{Locked: true, At: at, By: wc.ActorID})
			lockedNow = changed
			return err
		})
	if err != nil {
		return c, err
	}
	if lockedNow {
		w.audit.Record(ctx, ledger.AuditRecord{
			WorkspaceID: wc.WorkspaceID,
			ActorID:     wc.ActorID,
			Action:      ledger.AuditPeriodLocked,
			EntityType:  "fiscal_period",
			EntityID:    string(period),
			Provenance:  map[string]string{"cause": "annual_closing_finalized"},
		})
	}
	return c, nil
}
