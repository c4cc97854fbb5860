/*
Package journal implements journal-entry CRUD on top of the ledger store.

PURPOSE:
  Create, update, delete, read and lock journal entries. Every write runs
  the balance validator before touching storage, and re-checks the period
  and entry lock inside the write transaction.

WRITE PIPELINE (Create):
  1. Validate lines (>= 2 lines, account range, decimals, one side, balance)
  2. WithTx:
     a. Load the period (workspace scoped); Locked -> ErrPeriodLocked
     b. Entry date inside the period, else ErrDateOutsidePeriod
     c. Number with ledger.NextNumber and insert entry + lines
  3. On ErrDuplicateVerificationNumber retry from step 2 (bounded)
  4. After commit: audit record (asynchronous, failure tolerated)

RETRIES:
  Create is retried internally only for numbering races, which the UNIQUE
  index detects. Any other failure is returned as is; retrying a failed
  create or update is the caller's decision.

SEE ALSO:
  - ledger/balance.go: Balance validator
  - ledger/numbering.go: Numbering authority
  - fiscal/lifecycle.go: Period lock/unlock
*/
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
)

// DefaultMaxAttempts bounds the numbering retry loop.
const DefaultMaxAttempts = 5

// Service is the journal-entry API.
type Service struct {
	store  ledger.TxStore
	audit  audit.Recorder
	logger *zap.Logger

	// MaxAttempts is the number of tries when two writers race for the
	// same verification number.
	MaxAttempts int

	now   func() time.Time
	newID func() string
}

// NewService creates a journal service. A nil recorder discards audit records.
func NewService(store ledger.TxStore, rec audit.Recorder, logger *zap.Logger) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		audit:       rec,
		logger:      logger.Named("journal"),
		MaxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// =============================================================================
// INPUTS
// =============================================================================

// LineInput is one line as supplied by the caller.
type LineInput struct {
	AccountNumber ledger.AccountNumber
	AccountName   string // optional, copied from the chart when empty
	Debit         decimal.NullDecimal
	Credit        decimal.NullDecimal
	Note          string
	VATCode       string
}

// CreateInput describes a new entry.
type CreateInput struct {
	PeriodID    ledger.PeriodID
	EntryDate   ledger.Date
	Description string
	EntryType   ledger.EntryType  // default "other"
	SourceType  ledger.SourceType // default "manual"
	Lines       []LineInput
}

// UpdateInput replaces the editable fields and every line of an entry.
type UpdateInput struct {
	EntryDate   ledger.Date
	Description string
	EntryType   ledger.EntryType
	Lines       []LineInput
}

func (s *Service) buildLines(in []LineInput) []ledger.Line {
	lines := make([]ledger.Line, len(in))
	for i, l := range in {
		lines[i] = ledger.Line{
			ID:            s.newID(),
			AccountNumber: l.AccountNumber,
			AccountName:   strings.TrimSpace(l.AccountName),
			Debit:         l.Debit,
			Credit:        l.Credit,
			Note:          l.Note,
			VATCode:       l.VATCode,
			SortOrder:     i,
		}
	}
	return lines
}

func validateHeader(date ledger.Date, entryType ledger.EntryType) error {
	if date.IsZero() {
		return &ledger.ValidationError{Field: "entry_date", Message: "required", Err: ledger.ErrValidation}
	}
	if !entryType.Valid() {
		return &ledger.ValidationError{Field: "entry_type", Message: fmt.Sprintf("unknown type %q", entryType), Err: ledger.ErrValidation}
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates and inserts a new entry with the next verification number.
func (s *Service) Create(ctx context.Context, wc ledger.WorkspaceContext, in CreateInput) (ledger.JournalEntry, error) {
	if in.EntryType == "" {
		in.EntryType = ledger.EntryOther
	}
	if in.SourceType == "" {
		in.SourceType = ledger.SourceManual
	}
	if !in.SourceType.Valid() {
		return ledger.JournalEntry{}, &ledger.ValidationError{Field: "source_type", Message: fmt.Sprintf("unknown source %q", in.SourceType), Err: ledger.ErrValidation}
	}
	if err := validateHeader(in.EntryDate, in.EntryType); err != nil {
		return ledger.JournalEntry{}, err
	}
	lines := s.buildLines(in.Lines)
	if _, err := ledger.ValidateLines(lines); err != nil {
		return ledger.JournalEntry{}, err
	}

	now := s.now().UTC()
	entry := ledger.JournalEntry{
		ID:             ledger.EntryID(s.newID()),
		WorkspaceID:    wc.WorkspaceID,
		FiscalPeriodID: in.PeriodID,
		EntryDate:      in.EntryDate,
		Description:    strings.TrimSpace(in.Description),
		EntryType:      in.EntryType,
		SourceType:     in.SourceType,
		Lines:          lines,
		CreatedBy:      wc.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var err error
	for attempt := 1; attempt <= s.maxAttempts(); attempt++ {
		err = s.store.WithTx(ctx, func(tx ledger.Store) error {
			if _, err := writablePeriod(ctx, tx, wc.WorkspaceID, in.PeriodID, in.EntryDate); err != nil {
				return err
			}
			if err := fillAccountNames(ctx, tx, wc.WorkspaceID, entry.Lines); err != nil {
				return err
			}
			n, err := ledger.NextNumber(ctx, tx, wc.WorkspaceID, in.PeriodID)
			if err != nil {
				return err
			}
			entry.VerificationNumber = n
			return tx.InsertEntry(ctx, entry)
		})
		if !errors.Is(err, ledger.ErrDuplicateVerificationNumber) {
			break
		}
		s.logger.Warn("verification number taken, retrying",
			zap.String("workspace_id", string(wc.WorkspaceID)),
			zap.String("period_id", string(in.PeriodID)),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return ledger.JournalEntry{}, err
	}

	s.logger.Info("journal entry created",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("entry_id", string(entry.ID)),
		zap.Int("verification_number", entry.VerificationNumber))
	s.record(ctx, wc, ledger.AuditEntryCreated, entry.ID, nil, &entry)
	return entry, nil
}

func (s *Service) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

// writablePeriod loads the period and enforces the lock and date guards.
// It must run on the transactional store.
func writablePeriod(ctx context.Context, tx ledger.Store, ws ledger.WorkspaceID, id ledger.PeriodID, date ledger.Date) (ledger.FiscalPeriod, error) {
	period, err := tx.GetPeriod(ctx, ws, id)
	if err != nil {
		return period, err
	}
	if period.Locked {
		return period, ledger.ErrPeriodLocked
	}
	if !period.Range.Contains(date) {
		return period, &ledger.ValidationError{
			Field:   "entry_date",
			Message: fmt.Sprintf("%s not in %s", date, period.Range),
			Err:     ledger.ErrDateOutsidePeriod,
		}
	}
	return period, nil
}

// fillAccountNames copies chart names into lines that carry none.
func fillAccountNames(ctx context.Context, tx ledger.Store, ws ledger.WorkspaceID, lines []ledger.Line) error {
	missing := false
	for _, l := range lines {
		if l.AccountName == "" {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	accounts, err := tx.ListAccounts(ctx, ws)
	if err != nil {
		return err
	}
	names := make(map[ledger.AccountNumber]string, len(accounts))
	for _, a := range accounts {
		names[a.Number] = a.Name
	}
	for i := range lines {
		if lines[i].AccountName == "" {
			lines[i].AccountName = names[lines[i].AccountNumber]
		}
	}
	return nil
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

// Update replaces the header fields and all lines of an entry. The entry
// stays in its period and keeps its verification number.
func (s *Service) Update(ctx context.Context, wc ledger.WorkspaceContext, id ledger.EntryID, in UpdateInput) (ledger.JournalEntry, error) {
	if in.EntryType == "" {
		in.EntryType = ledger.EntryOther
	}
	if err := validateHeader(in.EntryDate, in.EntryType); err != nil {
		return ledger.JournalEntry{}, err
	}
	lines := s.buildLines(in.Lines)
	if _, err := ledger.ValidateLines(lines); err != nil {
		return ledger.JournalEntry{}, err
	}

	var before, after ledger.JournalEntry
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		before, err = mutableEntry(ctx, tx, wc.WorkspaceID, id)
		if err != nil {
			return err
		}
		if _, err := writablePeriod(ctx, tx, wc.WorkspaceID, before.FiscalPeriodID, in.EntryDate); err != nil {
			return err
		}
		if err := fillAccountNames(ctx, tx, wc.WorkspaceID, lines); err != nil {
			return err
		}

		after = before
		after.EntryDate = in.EntryDate
		after.Description = strings.TrimSpace(in.Description)
		after.EntryType = in.EntryType
		after.Lines = lines
		after.UpdatedAt = s.now().UTC()
		return tx.ReplaceEntry(ctx, after)
	})
	if err != nil {
		return ledger.JournalEntry{}, err
	}

	s.logger.Info("journal entry updated",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("entry_id", string(id)))
	s.record(ctx, wc, ledger.AuditEntryUpdated, id, &before, &after)
	return after, nil
}

// Delete removes an unlocked entry of an open period.
func (s *Service) Delete(ctx context.Context, wc ledger.WorkspaceContext, id ledger.EntryID) error {
	var before ledger.JournalEntry
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		before, err = mutableEntry(ctx, tx, wc.WorkspaceID, id)
		if err != nil {
			return err
		}
		period, err := tx.GetPeriod(ctx, wc.WorkspaceID, before.FiscalPeriodID)
		if err != nil {
			return err
		}
		if period.Locked {
			return ledger.ErrPeriodLocked
		}
		return tx.DeleteEntry(ctx, wc.WorkspaceID, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("journal entry deleted",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("entry_id", string(id)),
		zap.Int("verification_number", before.VerificationNumber))
	s.record(ctx, wc, ledger.AuditEntryDeleted, id, &before, nil)
	return nil
}

// mutableEntry loads an entry and rejects it when its own lock is set.
func mutableEntry(ctx context.Context, tx ledger.Store, ws ledger.WorkspaceID, id ledger.EntryID) (ledger.JournalEntry, error) {
	e, err := tx.GetEntry(ctx, ws, id)
	if err != nil {
		return e, err
	}
	if e.Locked {
		return e, ledger.ErrEntryLocked
	}
	return e, nil
}

// SetLocked toggles the entry's own lock flag. Unlocking requires an open
// period; locking is always allowed.
func (s *Service) SetLocked(ctx context.Context, wc ledger.WorkspaceContext, id ledger.EntryID, locked bool) (ledger.JournalEntry, error) {
	var entry ledger.JournalEntry
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		entry, err = tx.GetEntry(ctx, wc.WorkspaceID, id)
		if err != nil {
			return err
		}
		if !locked {
			period, err := tx.GetPeriod(ctx, wc.WorkspaceID, entry.FiscalPeriodID)
			if err != nil {
				return err
			}
			if period.Locked {
				return ledger.ErrPeriodLocked
			}
		}
		if entry.Locked == locked {
			return nil
		}
		entry.Locked = locked
		entry.UpdatedAt = s.now().UTC()
		return tx.SetEntryLocked(ctx, wc.WorkspaceID, id, locked, entry.UpdatedAt)
	})
	if err != nil {
		return ledger.JournalEntry{}, err
	}

	action := ledger.AuditEntryUnlocked
	if locked {
		action = ledger.AuditEntryLocked
	}
	s.record(ctx, wc, action, id, nil, &entry)
	return entry, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, wc ledger.WorkspaceContext, id ledger.EntryID) (ledger.JournalEntry, error) {
	return s.store.GetEntry(ctx, wc.WorkspaceID, id)
}

// List returns the entries of a period in verification-number order.
func (s *Service) List(ctx context.Context, wc ledger.WorkspaceContext, filter ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	return s.store.ListEntries(ctx, wc.WorkspaceID, filter)
}

func (s *Service) record(ctx context.Context, wc ledger.WorkspaceContext, action ledger.AuditAction, id ledger.EntryID, before, after *ledger.JournalEntry) {
	r := ledger.AuditRecord{
		WorkspaceID: wc.WorkspaceID,
		ActorID:     wc.ActorID,
		Action:      action,
		EntityType:  "journal_entry",
		EntityID:    string(id),
	}
	if before != nil {
		r.Before = audit.Snapshot(before)
	}
	if after != nil {
		r.After = audit.Snapshot(after)
	}
	s.audit.Record(ctx, r)
}
