/*
Package fiscal implements the fiscal period lifecycle and the annual
closing workflow.

PURPOSE:
  A fiscal period is Open or Locked. Locking is the single most important
  guard of the ledger: entry writes and imports re-check it inside their
  own transactions. The annual closing is a five-stage workflow layered on
  top of the period; its last stage locks the period.

STATE MACHINE:
  Open --Lock--> Locked --Unlock(ack if finalized)--> Open

CONCURRENCY:
  Lock and Unlock are compare-and-swap writes on the lock flag. Two
  concurrent Lock calls yield exactly one success and one ErrAlreadyLocked;
  no prior read decides the outcome.

SEE ALSO:
  - closing.go: Annual closing workflow
  - ledger/store.go: SetPeriodLock, AdvanceClosing
*/
package fiscal

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
)

// Lifecycle manages fiscal periods.
type Lifecycle struct {
	store  ledger.TxStore
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewLifecycle creates a period lifecycle. A nil recorder discards audit records.
func NewLifecycle(store ledger.TxStore, rec audit.Recorder, logger *zap.Logger) *Lifecycle {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{store: store, audit: rec, logger: logger.Named("fiscal"), now: time.Now}
}

// CreatePeriodInput describes a new fiscal period.
type CreatePeriodInput struct {
	Label string
	Slug  string // derived from Label when empty
	Start ledger.Date
	End   ledger.Date
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a label into a URL slug ("Räkenskapsår 2024" -> "rakenskapsar-2024").
func Slugify(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.NewReplacer("å", "a", "ä", "a", "ö", "o", "é", "e").Replace(s)
	return strings.Trim(slugUnsafe.ReplaceAllString(s, "-"), "-")
}

// Create adds an open period. Overlap with sibling periods is the caller's
// concern.
func (l *Lifecycle) Create(ctx context.Context, wc ledger.WorkspaceContext, in CreatePeriodInput) (ledger.FiscalPeriod, error) {
	p := ledger.FiscalPeriod{
		ID:          ledger.PeriodID(uuid.NewString()),
		WorkspaceID: wc.WorkspaceID,
		Label:       strings.TrimSpace(in.Label),
		Slug:        strings.TrimSpace(in.Slug),
		Range:       ledger.Period{Start: in.Start, End: in.End},
		CreatedAt:   l.now().UTC(),
	}
	if p.Label == "" {
		return p, &ledger.ValidationError{Field: "label", Message: "required", Err: ledger.ErrValidation}
	}
	if !p.Range.Valid() {
		return p, &ledger.ValidationError{Field: "end", Message: fmt.Sprintf("invalid range %s", p.Range), Err: ledger.ErrValidation}
	}
	if p.Slug == "" {
		p.Slug = Slugify(p.Label)
	}
	if p.Slug == "" || p.Slug != Slugify(p.Slug) {
		return p, &ledger.ValidationError{Field: "slug", Message: fmt.Sprintf("invalid slug %q", p.Slug), Err: ledger.ErrValidation}
	}

	if err := l.store.CreatePeriod(ctx, p); err != nil {
		return p, err
	}
	l.logger.Info("fiscal period created",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("period_id", string(p.ID)),
		zap.String("range", p.Range.String()))
	l.audit.Record(ctx, periodRecord(wc, ledger.AuditPeriodCreated, p))
	return p, nil
}

func (l *Lifecycle) Get(ctx context.Context, wc ledger.WorkspaceContext, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	return l.store.GetPeriod(ctx, wc.WorkspaceID, id)
}

func (l *Lifecycle) GetBySlug(ctx context.Context, wc ledger.WorkspaceContext, slug string) (ledger.FiscalPeriod, error) {
	return l.store.GetPeriodBySlug(ctx, wc.WorkspaceID, slug)
}

func (l *Lifecycle) List(ctx context.Context, wc ledger.WorkspaceContext) ([]ledger.FiscalPeriod, error) {
	return l.store.ListPeriods(ctx, wc.WorkspaceID)
}

// Lock closes the period for writes. Fails with ErrAlreadyLocked when the
// period is not open at the moment of the write.
func (l *Lifecycle) Lock(ctx context.Context, wc ledger.WorkspaceContext, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	changed, err := l.store.SetPeriodLock(ctx, wc.WorkspaceID, id, ledger.LockChange{
		Locked: true,
		At:     l.now().UTC(),
		By:     wc.ActorID,
	})
	if err != nil {
		return ledger.FiscalPeriod{}, err
	}
	if !changed {
		return ledger.FiscalPeriod{}, ledger.ErrAlreadyLocked
	}

	p, err := l.store.GetPeriod(ctx, wc.WorkspaceID, id)
	if err != nil {
		return p, err
	}
	l.logger.Info("fiscal period locked",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("period_id", string(id)),
		zap.String("actor_id", string(wc.ActorID)))
	l.audit.Record(ctx, periodRecord(wc, ledger.AuditPeriodLocked, p))
	return p, nil
}

// UnlockResult reports what Unlock changed.
type UnlockResult struct {
	Period          ledger.FiscalPeriod
	ClosingReverted bool
}

// Unlock reopens a locked period. When the period has a finalized annual
// closing the caller must pass acknowledgeFinalized; the closing is then
// reverted to tax_calculated in the same transaction.
func (l *Lifecycle) Unlock(ctx context.Context, wc ledger.WorkspaceContext, id ledger.PeriodID, acknowledgeFinalized bool) (UnlockResult, error) {
	var res UnlockResult
	err := l.store.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetPeriod(ctx, wc.WorkspaceID, id)
		if err != nil {
			return err
		}
		if !p.Locked {
			return ledger.ErrNotLocked
		}

		closing, err := tx.GetClosing(ctx, wc.WorkspaceID, id)
		if err != nil {
			return err
		}
		if closing.Status == ledger.ClosingFinalized {
			if !acknowledgeFinalized {
				return &ledger.PreconditionError{
					Code:        "finalized_closing",
					Message:     fmt.Sprintf("fiscal year %s has a finalized annual closing; reopening it reverts the closing to %s", p.Label, ledger.ClosingTaxCalculated),
					Acknowledge: "acknowledge_finalized",
					Err:         ledger.ErrPreconditionRequired,
				}
			}
			reverted := closing
			reverted.Status = ledger.ClosingTaxCalculated
			reverted.FinalizedAt = nil
			reverted.UpdatedBy = wc.ActorID
			reverted.UpdatedAt = l.now().UTC()
			ok, err := tx.AdvanceClosing(ctx, reverted, ledger.ClosingFinalized)
			if err != nil {
				return err
			}
			if !ok {
				return &ledger.StageOrderError{Current: closing.Status, Required: ledger.ClosingFinalized, Attempted: ledger.ClosingTaxCalculated}
			}
			res.ClosingReverted = true
		}

		changed, err := tx.SetPeriodLock(ctx, wc.WorkspaceID, id, ledger.LockChange{Locked: false})
		if err != nil {
			return err
		}
		if !changed {
			return ledger.ErrNotLocked
		}
		p.Locked, p.LockedAt, p.LockedBy = false, nil, ""
		res.Period = p
		return nil
	})
	if err != nil {
		return UnlockResult{}, err
	}

	l.logger.Info("fiscal period unlocked",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("period_id", string(id)),
		zap.Bool("closing_reverted", res.ClosingReverted))
	r := periodRecord(wc, ledger.AuditPeriodUnlocked, res.Period)
	if acknowledgeFinalized {
		r.Provenance = map[string]string{"acknowledge_finalized": "true"}
	}
	l.audit.Record(ctx, r)
	if res.ClosingReverted {
		l.audit.Record(ctx, ledger.AuditRecord{
			WorkspaceID: wc.WorkspaceID,
			ActorID:     wc.ActorID,
			Action:      ledger.AuditClosingRevert,
			EntityType:  "annual_closing",
			EntityID:    string(id),
			Provenance:  map[string]string{"from": string(ledger.ClosingFinalized), "to": string(ledger.ClosingTaxCalculated)},
		})
	}
	return res, nil
}

func periodRecord(wc ledger.WorkspaceContext, action ledger.AuditAction, p ledger.FiscalPeriod) ledger.AuditRecord {
	return ledger.AuditRecord{
		WorkspaceID: wc.WorkspaceID,
		ActorID:     wc.ActorID,
		Action:      action,
		EntityType:  "fiscal_period",
		EntityID:    string(p.ID),
		After:       audit.Snapshot(p),
	}
}
