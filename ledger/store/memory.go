// Package store provides an in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore and ledger.AuditLog in memory.
// A single RWMutex serializes writers, which gives WithTx serializable
// semantics.
type Memory struct {
	mu    sync.RWMutex
	st    *state
	audit []ledger.AuditRecord
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// This is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Locked delegates
// -----------------------------------------------------------------------------

func (m *Memory) CreatePeriod(ctx context.Context, p ledger.FiscalPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreatePeriod(ctx, p)
}

func (m *Memory) GetPeriod(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPeriod(ctx, ws, id)
}

func (m *Memory) GetPeriodBySlug(ctx context.Context, ws ledger.WorkspaceID, slug string) (ledger.FiscalPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPeriodBySlug(ctx, ws, slug)
}

func (m *Memory) ListPeriods(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.FiscalPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPeriods(ctx, ws)
}

func (m *Memory) SetPeriodLock(ctx context.Context, ws ledger.WorkspaceID, id ledger.PeriodID, change ledger.LockChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetPeriodLock(ctx, ws, id, change)
}

func (m *Memory) MaxVerificationNumber(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.MaxVerificationNumber(ctx, ws, period)
}

func (m *Memory) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertEntry(ctx, e)
}

func (m *Memory) ReplaceEntry(ctx context.Context, e ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReplaceEntry(ctx, e)
}

func (m *Memory) SetEntryLocked(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID, locked bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetEntryLocked(ctx, ws, id, locked, at)
}

func (m *Memory) DeleteEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteEntry(ctx, ws, id)
}

func (m *Memory) GetEntry(ctx context.Context, ws ledger.WorkspaceID, id ledger.EntryID) (ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEntry(ctx, ws, id)
}

func (m *Memory) ListEntries(ctx context.Context, ws ledger.WorkspaceID, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEntries(ctx, ws, f)
}

func (m *Memory) CountEntriesOn(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID, day ledger.Date) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountEntriesOn(ctx, ws, period, day)
}

func (m *Memory) ImportedKeys(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.ImportedKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ImportedKeys(ctx, ws, period)
}

func (m *Memory) UpsertAccounts(ctx context.Context, ws ledger.WorkspaceID, accounts []ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpsertAccounts(ctx, ws, accounts)
}

func (m *Memory) ListAccounts(ctx context.Context, ws ledger.WorkspaceID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAccounts(ctx, ws)
}

func (m *Memory) AccountBalances(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.AccountBalances(ctx, ws, q)
}

func (m *Memory) AccountLines(ctx context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.AccountLines(ctx, ws, q)
}

func (m *Memory) GetClosing(ctx context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetClosing(ctx, ws, period)
}

func (m *Memory) AdvanceClosing(ctx context.Context, c ledger.AnnualClosing, from ledger.ClosingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AdvanceClosing(ctx, c, from)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, r ledger.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, r)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.AuditRecord
	for _, r := range m.audit {
		if f.WorkspaceID != "" && r.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, r.Action) {
			continue
		}
		if f.From != nil && r.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && r.Timestamp.After(*f.To) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func containsAction(actions []ledger.AuditAction, a ledger.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// =============================================================================
// STATE - Unlocked data, also the transactional view
// =============================================================================

type accountKey struct {
	WorkspaceID ledger.WorkspaceID
	Number      ledger.AccountNumber
}

type closingKey struct {
	WorkspaceID ledger.WorkspaceID
	PeriodID    ledger.PeriodID
}

type state struct {
	periods  map[ledger.PeriodID]ledger.FiscalPeriod
	entries  map[ledger.EntryID]ledger.JournalEntry
	accounts map[accountKey]ledger.Account
	closings map[closingKey]ledger.AnnualClosing
}

func newState() *state {
	return &state{
		periods:  make(map[ledger.PeriodID]ledger.FiscalPeriod),
		entries:  make(map[ledger.EntryID]ledger.JournalEntry),
		accounts: make(map[accountKey]ledger.Account),
		closings: make(map[closingKey]ledger.AnnualClosing),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.periods {
		c.periods[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = copyEntry(v)
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.closings {
		c.closings[k] = v
	}
	return c
}

func copyEntry(e ledger.JournalEntry) ledger.JournalEntry {
	e.Lines = append([]ledger.Line(nil), e.Lines...)
	return e
}

func (s *state) CreatePeriod(_ context.Context, p ledger.FiscalPeriod) error {
	for _, existing := range s.periods {
		if existing.WorkspaceID == p.WorkspaceID && existing.Slug == p.Slug {
			return ledger.ErrDuplicateSlug
		}
	}
	s.periods[p.ID] = p
	return nil
}

func (s *state) GetPeriod(_ context.Context, ws ledger.WorkspaceID, id ledger.PeriodID) (ledger.FiscalPeriod, error) {
	p, ok := s.periods[id]
	if !ok || p.WorkspaceID != ws {
		return ledger.FiscalPeriod{}, ledger.ErrPeriodNotFound
	}
	return p, nil
}

func (s *state) GetPeriodBySlug(_ context.Context, ws ledger.WorkspaceID, slug string) (ledger.FiscalPeriod, error) {
	for _, p := range s.periods {
		if p.WorkspaceID == ws && p.Slug == slug {
			return p, nil
		}
	}
	return ledger.FiscalPeriod{}, ledger.ErrPeriodNotFound
}

func (s *state) ListPeriods(_ context.Context, ws ledger.WorkspaceID) ([]ledger.FiscalPeriod, error) {
	var out []ledger.FiscalPeriod
	for _, p := range s.periods {
		if p.WorkspaceID == ws {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out, nil
}

func (s *state) SetPeriodLock(_ context.Context, ws ledger.WorkspaceID, id ledger.PeriodID, change ledger.LockChange) (bool, error) {
	p, ok := s.periods[id]
	if !ok || p.WorkspaceID != ws {
		return false, ledger.ErrPeriodNotFound
	}
	if p.Locked == change.Locked {
		return false, nil
	}
	p.Locked = change.Locked
	if change.Locked {
		at := change.At
		p.LockedAt = &at
		p.LockedBy = change.By
	} else {
		p.LockedAt = nil
		p.LockedBy = ""
	}
	s.periods[id] = p
	return true, nil
}

func (s *state) MaxVerificationNumber(_ context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (int, error) {
	max := 0
	for _, e := range s.entries {
		if e.WorkspaceID == ws && e.FiscalPeriodID == period && e.VerificationNumber > max {
			max = e.VerificationNumber
		}
	}
	return max, nil
}

func (s *state) InsertEntry(_ context.Context, e ledger.JournalEntry) error {
	for _, existing := range s.entries {
		if existing.WorkspaceID != e.WorkspaceID {
			continue
		}
		if existing.FiscalPeriodID == e.FiscalPeriodID && existing.VerificationNumber == e.VerificationNumber {
			return ledger.ErrDuplicateVerificationNumber
		}
		if e.ImportHash != "" && existing.ImportHash == e.ImportHash {
			return ledger.ErrDuplicateTransaction
		}
	}
	s.entries[e.ID] = copyEntry(e)
	return nil
}

func (s *state) ReplaceEntry(_ context.Context, e ledger.JournalEntry) error {
	existing, ok := s.entries[e.ID]
	if !ok || existing.WorkspaceID != e.WorkspaceID {
		return ledger.ErrEntryNotFound
	}
	existing.EntryDate = e.EntryDate
	existing.Description = e.Description
	existing.EntryType = e.EntryType
	existing.Lines = append([]ledger.Line(nil), e.Lines...)
	existing.UpdatedAt = e.UpdatedAt
	s.entries[e.ID] = existing
	return nil
}

func (s *state) SetEntryLocked(_ context.Context, ws ledger.WorkspaceID, id ledger.EntryID, locked bool, at time.Time) error {
	e, ok := s.entries[id]
	if !ok || e.WorkspaceID != ws {
		return ledger.ErrEntryNotFound
	}
	e.Locked = locked
	e.UpdatedAt = at
	s.entries[id] = e
	return nil
}

func (s *state) DeleteEntry(_ context.Context, ws ledger.WorkspaceID, id ledger.EntryID) error {
	e, ok := s.entries[id]
	if !ok || e.WorkspaceID != ws {
		return ledger.ErrEntryNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *state) GetEntry(_ context.Context, ws ledger.WorkspaceID, id ledger.EntryID) (ledger.JournalEntry, error) {
	e, ok := s.entries[id]
	if !ok || e.WorkspaceID != ws {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (s *state) ListEntries(_ context.Context, ws ledger.WorkspaceID, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	var out []ledger.JournalEntry
	for _, e := range s.entries {
		if e.WorkspaceID != ws {
			continue
		}
		if f.PeriodID != "" && e.FiscalPeriodID != f.PeriodID {
			continue
		}
		if f.Dates != nil && !f.Dates.Contains(e.EntryDate) {
			continue
		}
		if f.Source != "" && e.SourceType != f.Source {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiscalPeriodID != out[j].FiscalPeriodID {
			return out[i].FiscalPeriodID < out[j].FiscalPeriodID
		}
		return out[i].VerificationNumber < out[j].VerificationNumber
	})
	return out, nil
}

func (s *state) CountEntriesOn(_ context.Context, ws ledger.WorkspaceID, period ledger.PeriodID, day ledger.Date) (int, error) {
	n := 0
	for _, e := range s.entries {
		if e.WorkspaceID == ws && e.FiscalPeriodID == period && e.EntryDate.Equal(day) {
			n++
		}
	}
	return n, nil
}

func (s *state) ImportedKeys(_ context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.ImportedKeys, error) {
	keys := ledger.ImportedKeys{Hashes: map[string]bool{}, SourceIDs: map[string]bool{}}
	for _, e := range s.entries {
		if e.WorkspaceID != ws {
			continue
		}
		if e.ImportHash != "" {
			keys.Hashes[e.ImportHash] = true
		}
		if e.SourceID != "" && e.FiscalPeriodID == period {
			keys.SourceIDs[e.SourceID] = true
		}
	}
	return keys, nil
}

func (s *state) UpsertAccounts(_ context.Context, ws ledger.WorkspaceID, accounts []ledger.Account) error {
	for _, a := range accounts {
		a.WorkspaceID = ws
		s.accounts[accountKey{WorkspaceID: ws, Number: a.Number}] = a
	}
	return nil
}

func (s *state) ListAccounts(_ context.Context, ws ledger.WorkspaceID) ([]ledger.Account, error) {
	var out []ledger.Account
	for k, a := range s.accounts {
		if k.WorkspaceID == ws {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// postedLines walks every line in scope of q.
func (s *state) postedLines(ws ledger.WorkspaceID, q ledger.BalanceQuery, fn func(e ledger.JournalEntry, l ledger.Line)) {
	for _, e := range s.entries {
		if e.WorkspaceID != ws {
			continue
		}
		if q.PeriodID != "" && e.FiscalPeriodID != q.PeriodID {
			continue
		}
		if q.Dates != nil && !q.Dates.Contains(e.EntryDate) {
			continue
		}
		for _, l := range e.Lines {
			if q.Accounts != nil && !q.Accounts.Contains(l.AccountNumber) {
				continue
			}
			fn(e, l)
		}
	}
}

func (s *state) AccountBalances(_ context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountBalance, error) {
	sums := make(map[ledger.AccountNumber]*ledger.AccountBalance)
	s.postedLines(ws, q, func(_ ledger.JournalEntry, l ledger.Line) {
		b, ok := sums[l.AccountNumber]
		if !ok {
			b = &ledger.AccountBalance{AccountNumber: l.AccountNumber, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
			sums[l.AccountNumber] = b
		}
		if l.AccountName > b.AccountName {
			b.AccountName = l.AccountName
		}
		b.TotalDebit = b.TotalDebit.Add(ledger.ValueOf(l.Debit))
		b.TotalCredit = b.TotalCredit.Add(ledger.ValueOf(l.Credit))
	})

	out := make([]ledger.AccountBalance, 0, len(sums))
	for n, b := range sums {
		if a, ok := s.accounts[accountKey{WorkspaceID: ws, Number: n}]; ok && a.Name != "" {
			b.AccountName = a.Name
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out, nil
}

func (s *state) AccountLines(_ context.Context, ws ledger.WorkspaceID, q ledger.BalanceQuery) ([]ledger.AccountLine, error) {
	var out []ledger.AccountLine
	s.postedLines(ws, q, func(e ledger.JournalEntry, l ledger.Line) {
		out = append(out, ledger.AccountLine{
			EntryID:            e.ID,
			VerificationNumber: e.VerificationNumber,
			EntryDate:          e.EntryDate,
			Description:        e.Description,
			Line:               l,
		})
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		if a.VerificationNumber != b.VerificationNumber {
			return a.VerificationNumber < b.VerificationNumber
		}
		return a.Line.SortOrder < b.Line.SortOrder
	})
	return out, nil
}

func (s *state) GetClosing(_ context.Context, ws ledger.WorkspaceID, period ledger.PeriodID) (ledger.AnnualClosing, error) {
	if c, ok := s.closings[closingKey{WorkspaceID: ws, PeriodID: period}]; ok {
		return c, nil
	}
	return ledger.NewClosing(ws, period), nil
}

func (s *state) AdvanceClosing(_ context.Context, c ledger.AnnualClosing, from ledger.ClosingStatus) (bool, error) {
	k := closingKey{WorkspaceID: c.WorkspaceID, PeriodID: c.FiscalPeriodID}
	current := ledger.ClosingNotStarted
	if existing, ok := s.closings[k]; ok {
		current = existing.Status
	}
	if current != from {
		return false, nil
	}
	s.closings[k] = c
	return true, nil
}
