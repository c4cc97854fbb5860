/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the interface between the domain logic and the database.
  Correctness under concurrency comes from the storage layer, not from
  in-process locks: conditional (compare-and-swap) updates, multi-statement
  transactions, UNIQUE constraints and aggregate queries.

KEY INTERFACES:
  PeriodStore:  Fiscal periods, conditional lock/unlock
  EntryStore:   Journal entries and lines, numbering input, import keys
  AccountStore: Chart of accounts per workspace
  BalanceStore: SUM/GROUP BY aggregation over posted lines
  ClosingStore: Annual closing records, conditional stage transitions
  TxStore:      All of the above inside one atomic transaction
  AuditLog:     Append-only audit trail

SCOPING:
  Every read and write takes the WorkspaceID. An id that exists in another
  workspace behaves exactly like an id that does not exist.

CONDITIONAL WRITES:
  SetPeriodLock and AdvanceClosing return (changed bool, err). A false
  result means the row was not in the expected state; the caller maps that
  to the proper state-conflict error. No prior read is needed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for tests and tooling

SEE ALSO:
  - numbering.go: Uses MaxVerificationNumber inside WithTx
  - ../audit: Asynchronous writer over AuditLog
*/
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// STORE - Interfaces for ledger persistence
// =============================================================================

// LockChange describes a conditional lock flip.
type LockChange struct {
	Locked bool // target state; the write only applies if the row is !Locked
	At     time.Time
	By     ActorID
}

// PeriodStore persists fiscal periods.
type PeriodStore interface {
	// CreatePeriod inserts a period. Returns ErrDuplicateSlug on slug reuse.
	CreatePeriod(ctx context.Context, p FiscalPeriod) error

	// GetPeriod returns ErrPeriodNotFound for unknown or foreign ids.
	GetPeriod(ctx context.Context, ws WorkspaceID, id PeriodID) (FiscalPeriod, error)

	GetPeriodBySlug(ctx context.Context, ws WorkspaceID, slug string) (FiscalPeriod, error)

	// ListPeriods returns periods ordered by start date.
	ListPeriods(ctx context.Context, ws WorkspaceID) ([]FiscalPeriod, error)

	// SetPeriodLock flips the lock flag only if it currently has the
	// opposite value. Returns false when nothing changed.
	SetPeriodLock(ctx context.Context, ws WorkspaceID, id PeriodID, change LockChange) (bool, error)
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	PeriodID PeriodID
	Dates    *Period
	Source   SourceType
}

// ImportedKeys are the dedup keys already present in storage.
type ImportedKeys struct {
	Hashes    map[string]bool // workspace-wide
	SourceIDs map[string]bool // within the target period
}

// EntryStore persists journal entries and their lines.
type EntryStore interface {
	// MaxVerificationNumber returns the highest number in the period, 0 if none.
	MaxVerificationNumber(ctx context.Context, ws WorkspaceID, period PeriodID) (int, error)

	// InsertEntry writes an entry and all its lines. Returns
	// ErrDuplicateVerificationNumber or ErrDuplicateTransaction on
	// uniqueness violations.
	InsertEntry(ctx context.Context, e JournalEntry) error

	// ReplaceEntry updates the header and replaces every line.
	ReplaceEntry(ctx context.Context, e JournalEntry) error

	SetEntryLocked(ctx context.Context, ws WorkspaceID, id EntryID, locked bool, at time.Time) error

	DeleteEntry(ctx context.Context, ws WorkspaceID, id EntryID) error

	// GetEntry returns ErrEntryNotFound for unknown or foreign ids.
	GetEntry(ctx context.Context, ws WorkspaceID, id EntryID) (JournalEntry, error)

	// ListEntries returns entries ordered by verification number.
	ListEntries(ctx context.Context, ws WorkspaceID, filter EntryFilter) ([]JournalEntry, error)

	// CountEntriesOn counts entries of the period dated on day.
	CountEntriesOn(ctx context.Context, ws WorkspaceID, period PeriodID, day Date) (int, error)

	ImportedKeys(ctx context.Context, ws WorkspaceID, period PeriodID) (ImportedKeys, error)
}

// AccountStore persists the chart of accounts.
type AccountStore interface {
	UpsertAccounts(ctx context.Context, ws WorkspaceID, accounts []Account) error
	ListAccounts(ctx context.Context, ws WorkspaceID) ([]Account, error)
}

// BalanceQuery scopes an aggregation. Nil ranges mean "no restriction".
type BalanceQuery struct {
	PeriodID PeriodID
	Accounts *AccountRange
	Dates    *Period
}

// BalanceStore aggregates posted lines.
type BalanceStore interface {
	// AccountBalances sums debit and credit per account, ordered by account.
	AccountBalances(ctx context.Context, ws WorkspaceID, q BalanceQuery) ([]AccountBalance, error)

	// AccountLines lists posted lines in date and number order.
	AccountLines(ctx context.Context, ws WorkspaceID, q BalanceQuery) ([]AccountLine, error)
}

// ClosingStore persists annual closings.
type ClosingStore interface {
	// GetClosing returns the closing of the period, or a not-started record
	// when none was saved yet.
	GetClosing(ctx context.Context, ws WorkspaceID, period PeriodID) (AnnualClosing, error)

	// AdvanceClosing saves c only if the stored status equals from (a
	// missing row counts as not started). Returns false when nothing changed.
	AdvanceClosing(ctx context.Context, c AnnualClosing, from ClosingStatus) (bool, error)
}

// Store is the complete ledger persistence surface.
type Store interface {
	PeriodStore
	EntryStore
	AccountStore
	BalanceStore
	ClosingStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditEntryCreated   AuditAction = "entry_created"
	AuditEntryUpdated   AuditAction = "entry_updated"
	AuditEntryDeleted   AuditAction = "entry_deleted"
	AuditEntryLocked    AuditAction = "entry_locked"
	AuditEntryUnlocked  AuditAction = "entry_unlocked"
	AuditEntryImported  AuditAction = "entry_imported"
	AuditPeriodCreated  AuditAction = "period_created"
	AuditPeriodLocked   AuditAction = "period_locked"
	AuditPeriodUnlocked AuditAction = "period_unlocked"
	AuditClosingAdvance AuditAction = "closing_advanced"
	AuditClosingRevert  AuditAction = "closing_reverted"
)

// AuditRecord is an immutable history item.
type AuditRecord struct {
	ID          string
	WorkspaceID WorkspaceID
	Timestamp   time.Time
	ActorID     ActorID
	Action      AuditAction
	EntityType  string // "journal_entry", "fiscal_period", "annual_closing"
	EntityID    string
	Before      json.RawMessage
	After       json.RawMessage
	Provenance  map[string]string // e.g. source file and batch counts for imports
}

// AuditFilter narrows QueryAudit. Zero fields do not filter.
type AuditFilter struct {
	WorkspaceID WorkspaceID
	EntityID    string
	Actions     []AuditAction
	From        *time.Time
	To          *time.Time
	Limit       int
}

// AuditLog stores audit records. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, r AuditRecord) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
}
