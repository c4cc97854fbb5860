/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AuditLog using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.Store:    Periods, entries, accounts, aggregation, closings
  ledger.TxStore:  WithTx for atomic multi-table writes
  ledger.AuditLog: Append-only audit trail

KEY TABLES:
  fiscal_periods:       Periods with the lock flag (CAS target)
  journal_entries:      Entry headers, numbered per (workspace, period)
  journal_entry_lines:  Lines; amounts as INTEGER öre so SUM is exact
  accounts:             Chart of accounts per workspace
  annual_closings:      Year-end workflow status per period
  audit_log:            Immutable history records

INDEXES:
  - idx_entries_number (UNIQUE): backstop for the numbering authority
  - idx_entries_import_hash (UNIQUE, partial): backstop for import dedup
  - idx_lines_account: aggregation hot path

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. Transactions
  begin IMMEDIATE (_txlock=immediate) so a writer holds the database lock
  from its first read, which makes max+1 numbering inside WithTx safe. In
  production with PostgreSQL, SERIALIZABLE isolation plus the UNIQUE index
  handles this instead.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.AuditLog = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fiscal_periods (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		label TEXT NOT NULL,
		slug TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		locked INTEGER NOT NULL DEFAULT 0,
		locked_at TEXT,
		locked_by TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(workspace_id, slug)
	);

	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		fiscal_period_id TEXT NOT NULL REFERENCES fiscal_periods(id),
		verification_number INTEGER NOT NULL,
		entry_date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		entry_type TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT,
		import_hash TEXT,
		locked INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Backstop for the numbering authority
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_number
		ON journal_entries(workspace_id, fiscal_period_id, verification_number);

	-- Backstop for cross-import dedup
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_import_hash
		ON journal_entries(workspace_id, import_hash) WHERE import_hash IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_entries_period_date
		ON journal_entries(workspace_id, fiscal_period_id, entry_date);
	CREATE INDEX IF NOT EXISTS idx_entries_source
		ON journal_entries(workspace_id, fiscal_period_id, source_id) WHERE source_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS journal_entry_lines (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES journal_entries(id) ON DELETE CASCADE,
		account_number INTEGER NOT NULL,
		account_name TEXT NOT NULL DEFAULT '',
		debit_cents INTEGER,
		credit_cents INTEGER,
		note TEXT,
		vat_code TEXT,
		sort_order INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_entry
		ON journal_entry_lines(entry_id, sort_order);
	CREATE INDEX IF NOT EXISTS idx_lines_account
		ON journal_entry_lines(account_number);

	CREATE TABLE IF NOT EXISTS accounts (
		workspace_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (workspace_id, number)
	);

	CREATE TABLE IF NOT EXISTS annual_closings (
		workspace_id TEXT NOT NULL,
		fiscal_period_id TEXT NOT NULL REFERENCES fiscal_periods(id),
		status TEXT NOT NULL,
		package TEXT,
		no_entries_acknowledged INTEGER NOT NULL DEFAULT 0,
		result_before_tax_cents INTEGER,
		tax_amount_cents INTEGER,
		net_result_cents INTEGER,
		reconciled_at TEXT,
		finalized_at TEXT,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (workspace_id, fiscal_period_id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		provenance_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_workspace_entity
		ON audit_log(workspace_id, entity_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops runs every statement against one querier. The Store uses it over the
// database, WithTx over a transaction.
type ops struct {
	q querier
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ops{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pool runs queries outside a transaction. Callers hold s.mu first.
func (s *Store) pool() ops { return ops{q: s.db} }

func (s *Store) CreatePeriod(ctx context.Context, p ledger.FiscalPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().CreatePeriod(ctx, p)
}

func (s *Store) GetPeriod(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().GetPeriod(ctx, ws, id)
}

func (s *Store) GetPeriodBySlug(ctx context.Context, ws ledger.WorkspaceID, slug string) (ledger.FiscalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().GetPeriodBySlug(ctx, ws, slug)
}

func (s *Store) ListPeriods(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.FiscalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().ListPeriods(ctx, ws)
}

func (s *Store) SetPeriodLock(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID, change ledger.LockChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().SetPeriodLock(ctx, ws, id, change)
}

func (s *Store) MaxVerificationNumber(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().MaxVerificationNumber(ctx, ws, period)
}

// InsertEntry writes the header and lines atomically.
func (s *Store) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.InsertEntry(ctx, e) })
}

// ReplaceEntry updates the header and swaps every line atomically.
func (s *Store) ReplaceEntry(ctx context.Context, e ledger.JournalEntry) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.ReplaceEntry(ctx, e) })
}

func (s *Store) SetEntryLocked(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID, locked bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().SetEntryLocked(ctx, ws, id, locked, at)
}

func (s *Store) DeleteEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().DeleteEntry(ctx, ws, id)
}

func (s *Store) GetEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) (ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().GetEntry(ctx, ws, id)
}

func (s *Store) ListEntries(ctx context.Context, ws ledger.WorkspaceID, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().ListEntries(ctx, ws, f)
}

func (s *Store) CountEntriesOn(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID, day ledger.Date) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().CountEntriesOn(ctx, ws, period, day)
}

func (s *Store) ImportedKeys(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.ImportedKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().ImportedKeys(ctx, ws, period)
}

func (s *Store) UpsertAccounts(ctx context.Context, ws ledger.WorkspaceID, accounts []ledger.Account) error {
	return s.WithTx(ctx, func(tx ledger.Store) error { return tx.UpsertAccounts(ctx, ws, accounts) })
}

func (s *Store) ListAccounts(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().ListAccounts(ctx, ws)
}

func (s *Store) AccountBalances(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().AccountBalances(ctx, ws, q)
}

func (s *Store) AccountLines(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().AccountLines(ctx, ws, q)
}

func (s *Store) GetClosing(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().GetClosing(ctx, ws, period)
}

func (s *Store) AdvanceClosing(ctx context.Context, c ledger.AnnualClosing, from ledger.ClosingStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().AdvanceClosing(ctx, c, from)
}

// =============================================================================
// FISCAL PERIODS
// =============================================================================

const periodColumns = `id, workspace_id, label, slug, start_date, end_date, locked, locked_at, locked_by, created_at`

func (o ops) CreatePeriod(ctx context.Context, p ledger.FiscalPeriod) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO fiscal_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Label, p.Slug,
		p.Range.Start.String(), p.Range.End.String(),
		p.Locked, formatTimePtr(p.LockedAt), nullString(string(p.LockedBy)),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "fiscal_periods.slug") {
			return ledger.ErrDuplicateSlug
		}
		return fmt.Errorf("failed to insert fiscal period: %w", err)
	}
	return nil
}

func (o ops) GetPeriod(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM fiscal_periods WHERE workspace_id = ? AND id = ?`, ws, id)
	return scanPeriod(row)
}

func (o ops) GetPeriodBySlug(ctx context.Context, ws ledger.WorkspaceID, slug string) (ledger.FiscalPeriod, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM fiscal_periods WHERE workspace_id = ? AND slug = ?`, ws, slug)
	return scanPeriod(row)
}

func (o ops) ListPeriods(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.FiscalPeriod, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+periodColumns+` FROM fiscal_periods WHERE workspace_id = ? ORDER BY start_date`, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to query fiscal periods: %w", err)
	}
	defer rows.Close()

	var periods []ledger.FiscalPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// SetPeriodLock is a compare-and-swap on the lock flag.
func (o ops) SetPeriodLock(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID, change ledger.LockChange) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if change.Locked {
		res, err = o.q.ExecContext(ctx, `
			UPDATE fiscal_periods SET locked = 1, locked_at = ?, locked_by = ?
			WHERE workspace_id = ? AND id = ? AND locked = 0`,
			formatTime(change.At), nullString(string(change.By)), ws, id)
	} else {
		res, err = o.q.ExecContext(ctx, `
			UPDATE fiscal_periods SET locked = 0, locked_at = NULL, locked_by = NULL
			WHERE workspace_id = ? AND id = ? AND locked = 1`,
			ws, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update period lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish "wrong state" from "no such period".
	if _, err := o.GetPeriod(ctx, ws, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (ledger.FiscalPeriod, error) {
	var (
		p                  ledger.FiscalPeriod
		start, end         string
		lockedAt, lockedBy sql.NullString
		createdAt          string
	)
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Label, &p.Slug, &start, &end,
		&p.Locked, &lockedAt, &lockedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ledger.ErrPeriodNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan fiscal period: %w", err)
	}
	if p.Range.Start, err = ledger.ParseDate(start); err != nil {
		return p, fmt.Errorf("fiscal period %s start_date: %w", p.ID, err)
	}
	if p.Range.End, err = ledger.ParseDate(end); err != nil {
		return p, fmt.Errorf("fiscal period %s end_date: %w", p.ID, err)
	}
	p.LockedAt = parseTimePtr(lockedAt)
	p.LockedBy = ledger.ActorID(lockedBy.String)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

const entryColumns = `id, workspace_id, fiscal_period_id, verification_number, entry_date, description,
	entry_type, source_type, source_id, import_hash, locked, created_by, created_at, updated_at`

func (o ops) MaxVerificationNumber(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (int, error) {
	var max int
	err := o.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(verification_number), 0) FROM journal_entries
		WHERE workspace_id = ? AND fiscal_period_id = ?`, ws, period).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max verification number: %w", err)
	}
	return max, nil
}

func (o ops) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO journal_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, e.FiscalPeriodID, e.VerificationNumber,
		e.EntryDate.String(), e.Description, e.EntryType, e.SourceType,
		nullString(e.SourceID), nullString(e.ImportHash), e.Locked,
		nullString(string(e.CreatedBy)), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "journal_entries.verification_number"):
			return ledger.ErrDuplicateVerificationNumber
		case isUniqueConstraintError(err, "journal_entries.import_hash"):
			return ledger.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return o.insertLines(ctx, e.ID, e.Lines)
}

func (o ops) insertLines(ctx context.Context, entryID ledger.EntryID, lines []ledger.Line) error {
	for i, l := range lines {
		id := l.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", entryID, i+1)
		}
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO journal_entry_lines
			(id, entry_id, account_number, account_name, debit_cents, credit_cents, note, vat_code, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, entryID, int(l.AccountNumber), l.AccountName,
			nullCents(l.Debit), nullCents(l.Credit),
			nullString(l.Note), nullString(l.VATCode), l.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("failed to insert journal entry line: %w", err)
		}
	}
	return nil
}

func (o ops) ReplaceEntry(ctx context.Context, e ledger.JournalEntry) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE journal_entries SET entry_date = ?, description = ?, entry_type = ?, updated_at = ?
		WHERE workspace_id = ? AND id = ?`,
		e.EntryDate.String(), e.Description, e.EntryType, formatTime(e.UpdatedAt),
		e.WorkspaceID, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM journal_entry_lines WHERE entry_id = ?`, e.ID); err != nil {
		return fmt.Errorf("failed to delete journal entry lines: %w", err)
	}
	return o.insertLines(ctx, e.ID, e.Lines)
}

func (o ops) SetEntryLocked(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID, locked bool, at time.Time) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE journal_entries SET locked = ?, updated_at = ? WHERE workspace_id = ? AND id = ?`,
		locked, formatTime(at), ws, id)
	if err != nil {
		return fmt.Errorf("failed to update entry lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (o ops) DeleteEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) error {
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM journal_entries WHERE workspace_id = ? AND id = ?`, ws, id)
	if err != nil {
		return fmt.Errorf("failed to delete journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (o ops) GetEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) (ledger.JournalEntry, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE workspace_id = ? AND id = ?`, ws, id)
	if err != nil {
		return ledger.JournalEntry{}, fmt.Errorf("failed to query journal entry: %w", err)
	}
	entries, err := o.collectEntries(ctx, rows)
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if len(entries) == 0 {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return entries[0], nil
}

func (o ops) ListEntries(ctx context.Context, ws ledger.WorkspaceID, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	where := []string{"workspace_id = ?"}
	args := []any{ws}
	if f.PeriodID != "" {
		where = append(where, "fiscal_period_id = ?")
		args = append(args, f.PeriodID)
	}
	if f.Dates != nil {
		where = append(where, "entry_date BETWEEN ? AND ?")
		args = append(args, f.Dates.Start.String(), f.Dates.End.String())
	}
	if f.Source != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.Source)
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE `+strings.Join(where, " AND ")+
			` ORDER BY fiscal_period_id, verification_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	return o.collectEntries(ctx, rows)
}

// collectEntries scans headers, closes rows, then loads lines per entry.
func (o ops) collectEntries(ctx context.Context, rows *sql.Rows) ([]ledger.JournalEntry, error) {
	var entries []ledger.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range entries {
		lines, err := o.loadLines(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Lines = lines
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.JournalEntry, error) {
	var (
		e                    ledger.JournalEntry
		entryDate            string
		sourceID, importHash sql.NullString
		createdBy            sql.NullString
		createdAt, updatedAt string
	)
	err := rows.Scan(&e.ID, &e.WorkspaceID, &e.FiscalPeriodID, &e.VerificationNumber,
		&entryDate, &e.Description, &e.EntryType, &e.SourceType, &sourceID, &importHash,
		&e.Locked, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan journal entry: %w", err)
	}
	if e.EntryDate, err = ledger.ParseDate(entryDate); err != nil {
		return e, fmt.Errorf("journal entry %s entry_date: %w", e.ID, err)
	}
	e.SourceID = sourceID.String
	e.ImportHash = importHash.String
	e.CreatedBy = ledger.ActorID(createdBy.String)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func (o ops) loadLines(ctx context.Context, entryID ledger.EntryID) ([]ledger.Line, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, account_number, account_name, debit_cents, credit_cents, note, vat_code, sort_order
		FROM journal_entry_lines WHERE entry_id = ? ORDER BY sort_order`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entry lines: %w", err)
	}
	defer rows.Close()

	var lines []ledger.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanLine(row rowScanner, extra ...any) (ledger.Line, error) {
	var (
		l             ledger.Line
		account       int
		debit, credit sql.NullInt64
		note, vatCode sql.NullString
	)
	dest := append(extra, &l.ID, &account, &l.AccountName, &debit, &credit, &note, &vatCode, &l.SortOrder)
	if err := row.Scan(dest...); err != nil {
		return l, fmt.Errorf("failed to scan journal entry line: %w", err)
	}
	l.AccountNumber = ledger.AccountNumber(account)
	l.Debit = fromNullCents(debit)
	l.Credit = fromNullCents(credit)
	l.Note = note.String
	l.VATCode = vatCode.String
	return l, nil
}

func (o ops) CountEntriesOn(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID, day ledger.Date) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journal_entries
		WHERE workspace_id = ? AND fiscal_period_id = ? AND entry_date = ?`,
		ws, period, day.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return n, nil
}

func (o ops) ImportedKeys(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.ImportedKeys, error) {
	keys := ledger.ImportedKeys{Hashes: map[string]bool{}, SourceIDs: map[string]bool{}}

	rows, err := o.q.QueryContext(ctx, `
		SELECT import_hash, CASE WHEN fiscal_period_id = ? THEN source_id END
		FROM journal_entries
		WHERE workspace_id = ? AND (import_hash IS NOT NULL OR source_id IS NOT NULL)`,
		period, ws)
	if err != nil {
		return keys, fmt.Errorf("failed to query import keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, sourceID sql.NullString
		if err := rows.Scan(&hash, &sourceID); err != nil {
			return keys, fmt.Errorf("failed to scan import keys: %w", err)
		}
		if hash.Valid && hash.String != "" {
			keys.Hashes[hash.String] = true
		}
		if sourceID.Valid && sourceID.String != "" {
			keys.SourceIDs[sourceID.String] = true
		}
	}
	return keys, rows.Err()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (o ops) UpsertAccounts(ctx context.Context, ws ledger.WorkspaceID, accounts []ledger.Account) error {
	for _, a := range accounts {
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO accounts (workspace_id, number, name) VALUES (?, ?, ?)
			ON CONFLICT(workspace_id, number) DO UPDATE SET name = excluded.name`,
			ws, int(a.Number), a.Name)
		if err != nil {
			return fmt.Errorf("failed to upsert account %d: %w", a.Number, err)
		}
	}
	return nil
}

func (o ops) ListAccounts(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.Account, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT number, name FROM accounts WHERE workspace_id = ? ORDER BY number`, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a := ledger.Account{WorkspaceID: ws}
		var number int
		if err := rows.Scan(&number, &a.Name); err != nil {
			return nil, err
		}
		a.Number = ledger.AccountNumber(number)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// AGGREGATION (ledger.BalanceStore interface)
// =============================================================================

func balanceWhere(ws ledger.WorkspaceID, q ledger.BalanceQuery) (string, []any) {
	where := []string{"e.workspace_id = ?"}
	args := []any{ws}
	if q.PeriodID != "" {
		where = append(where, "e.fiscal_period_id = ?")
		args = append(args, q.PeriodID)
	}
	if q.Accounts != nil {
		where = append(where, "l.account_number BETWEEN ? AND ?")
		args = append(args, int(q.Accounts.From), int(q.Accounts.To))
	}
	if q.Dates != nil {
		where = append(where, "e.entry_date BETWEEN ? AND ?")
		args = append(args, q.Dates.Start.String(), q.Dates.End.String())
	}
	return strings.Join(where, " AND "), args
}

// AccountBalances sums in integer öre, so the database never rounds.
func (o ops) AccountBalances(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountBalance, error) {
	where, args := balanceWhere(ws, q)
	rows, err := o.q.QueryContext(ctx, `
		SELECT l.account_number,
		       COALESCE(NULLIF(MAX(a.name), ''), MAX(l.account_name)),
		       COALESCE(SUM(l.debit_cents), 0),
		       COALESCE(SUM(l.credit_cents), 0)
		FROM journal_entry_lines l
		JOIN journal_entries e ON e.id = l.entry_id
		LEFT JOIN accounts a ON a.workspace_id = e.workspace_id AND a.number = l.account_number
		WHERE `+where+`
		GROUP BY l.account_number
		ORDER BY l.account_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate balances: %w", err)
	}
	defer rows.Close()

	var balances []ledger.AccountBalance
	for rows.Next() {
		var (
			b             ledger.AccountBalance
			account       int
			debit, credit int64
		)
		if err := rows.Scan(&account, &b.AccountName, &debit, &credit); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.AccountNumber = ledger.AccountNumber(account)
		b.TotalDebit = ledger.FromCents(debit)
		b.TotalCredit = ledger.FromCents(credit)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (o ops) AccountLines(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountLine, error) {
	where, args := balanceWhere(ws, q)
	rows, err := o.q.QueryContext(ctx, `
		SELECT e.id, e.verification_number, e.entry_date, e.description,
		       l.id, l.account_number, l.account_name, l.debit_cents, l.credit_cents, l.note, l.vat_code, l.sort_order
		FROM journal_entry_lines l
		JOIN journal_entries e ON e.id = l.entry_id
		WHERE `+where+`
		ORDER BY e.entry_date, e.verification_number, l.sort_order`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query account lines: %w", err)
	}
	defer rows.Close()

	var out []ledger.AccountLine
	for rows.Next() {
		var (
			al        ledger.AccountLine
			entryDate string
		)
		l, err := scanLine(rows, &al.EntryID, &al.VerificationNumber, &entryDate, &al.Description)
		if err != nil {
			return nil, err
		}
		if al.EntryDate, err = ledger.ParseDate(entryDate); err != nil {
			return nil, fmt.Errorf("journal entry %s entry_date: %w", al.EntryID, err)
		}
		al.Line = l
		out = append(out, al)
	}
	return out, rows.Err()
}

// =============================================================================
// ANNUAL CLOSINGS
// =============================================================================

const closingColumns = `workspace_id, fiscal_period_id, status, package, no_entries_acknowledged,
	result_before_tax_cents, tax_amount_cents, net_result_cents, reconciled_at, finalized_at, updated_by, updated_at`

func (o ops) GetClosing(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	var (
		c                          ledger.AnnualClosing
		pkg, updatedBy             sql.NullString
		result, tax, net           sql.NullInt64
		reconciledAt, finalizedAt  sql.NullString
		updatedAt                  string
	)
	err := o.q.QueryRowContext(ctx,
		`SELECT `+closingColumns+` FROM annual_closings WHERE workspace_id = ? AND fiscal_period_id = ?`,
		ws, period,
	).Scan(&c.WorkspaceID, &c.FiscalPeriodID, &c.Status, &pkg, &c.NoEntriesAcknowledged,
		&result, &tax, &net, &reconciledAt, &finalizedAt, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewClosing(ws, period), nil
	}
	if err != nil {
		return c, fmt.Errorf("failed to query annual closing: %w", err)
	}
	c.Package = ledger.ClosingPackage(pkg.String)
	c.ResultBeforeTax = fromNullCents(result)
	c.TaxAmount = fromNullCents(tax)
	c.NetResult = fromNullCents(net)
	c.ReconciledAt = parseTimePtr(reconciledAt)
	c.FinalizedAt = parseTimePtr(finalizedAt)
	c.UpdatedBy = ledger.ActorID(updatedBy.String)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// AdvanceClosing is a compare-and-swap on the status column. A missing row
// counts as not started, so the first transition is an insert.
func (o ops) AdvanceClosing(ctx context.Context, c ledger.AnnualClosing, from ledger.ClosingStatus) (bool, error) {
	args := []any{
		c.Status, nullString(string(c.Package)), c.NoEntriesAcknowledged,
		nullCents(c.ResultBeforeTax), nullCents(c.TaxAmount), nullCents(c.NetResult),
		formatTimePtr(c.ReconciledAt), formatTimePtr(c.FinalizedAt),
		nullString(string(c.UpdatedBy)), formatTime(c.UpdatedAt),
	}

	var (
		res sql.Result
		err error
	)
	if from == ledger.ClosingNotStarted {
		res, err = o.q.ExecContext(ctx, `
			INSERT INTO annual_closings (status, package, no_entries_acknowledged,
				result_before_tax_cents, tax_amount_cents, net_result_cents,
				reconciled_at, finalized_at, updated_by, updated_at, workspace_id, fiscal_period_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workspace_id, fiscal_period_id) DO UPDATE SET
				status = excluded.status,
				package = excluded.package,
				no_entries_acknowledged = excluded.no_entries_acknowledged,
				result_before_tax_cents = excluded.result_before_tax_cents,
				tax_amount_cents = excluded.tax_amount_cents,
				net_result_cents = excluded.net_result_cents,
				reconciled_at = excluded.reconciled_at,
				finalized_at = excluded.finalized_at,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at
			WHERE annual_closings.status = ?`,
			append(args, c.WorkspaceID, c.FiscalPeriodID, from)...)
	} else {
		res, err = o.q.ExecContext(ctx, `
			UPDATE annual_closings SET status = ?, package = ?, no_entries_acknowledged = ?,
				result_before_tax_cents = ?, tax_amount_cents = ?, net_result_cents = ?,
				reconciled_at = ?, finalized_at = ?, updated_by = ?, updated_at = ?
			WHERE workspace_id = ? AND fiscal_period_id = ? AND status = ?`,
			append(args, c.WorkspaceID, c.FiscalPeriodID, from)...)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance annual closing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, r ledger.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provenance, err := json.Marshal(r.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, workspace_id, timestamp, actor_id, action, entity_type, entity_id, before_json, after_json, provenance_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, formatTime(r.Timestamp), nullString(string(r.ActorID)),
		r.Action, r.EntityType, r.EntityID,
		nullString(string(r.Before)), nullString(string(r.After)), string(provenance),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"1 = 1"}
	var args []any
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if len(f.Actions) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Actions)), ", ")
		where = append(where, "action IN ("+placeholders+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	if f.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}
	query := `SELECT id, workspace_id, timestamp, actor_id, action, entity_type, entity_id,
		before_json, after_json, provenance_json
		FROM audit_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp, rowid`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []ledger.AuditRecord
	for rows.Next() {
		var (
			r                         ledger.AuditRecord
			ts                        string
			actor                     sql.NullString
			before, after, provenance sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &ts, &actor, &r.Action, &r.EntityType, &r.EntityID,
			&before, &after, &provenance); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.Timestamp = parseTime(ts)
		r.ActorID = ledger.ActorID(actor.String)
		if before.Valid {
			r.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			r.After = json.RawMessage(after.String)
		}
		if provenance.Valid && provenance.String != "" && provenance.String != "null" {
			if err := json.Unmarshal([]byte(provenance.String), &r.Provenance); err != nil {
				return nil, fmt.Errorf("failed to decode provenance of audit record %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Reset clears all data. Used by tooling and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"audit_log", "annual_closings", "journal_entry_lines", "journal_entries", "accounts", "fiscal_periods"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullCents(d decimal.NullDecimal) sql.NullInt64 {
	if !d.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ledger.ToCents(d.Decimal), Valid: true}
}

func fromNullCents(n sql.NullInt64) decimal.NullDecimal {
	if !n.Valid {
		return decimal.NullDecimal{}
	}
	return ledger.Some(ledger.FromCents(n.Int64))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// isUniqueConstraintError reports a UNIQUE violation mentioning column.
func isUniqueConstraintError(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), column)
}
