/*
Package importer commits parsed SIE verifications into the ledger.

PURPOSE:
  Turn a SIE file into journal entries exactly once. Re-importing the same
  file, or a later export that overlaps an earlier one, adds nothing that is
  already there.

COMMIT PIPELINE:
  1. Period locked                      -> ErrPeriodLocked, nothing written
  2. Dated outside the period           -> reported, not imported
  3. Any remaining row invalid/unbalanced -> *UnbalancedVerificationError,
                                           nothing written
  4. WithTx:
     a. Re-check the lock
     b. Dedup against ImportedKeys + a seen-set over the batch (skipped, counted)
     c. Optional: upsert #KONTO accounts, opening-balance entry (number 0)
     d. Number with ledger.Sequence and insert every remaining row
  5. After commit: one audit record per imported row, with provenance

  A timed-out Commit has an unknown outcome. Calling it again is safe:
  step 4b skips whatever the first call committed.

SEE ALSO:
  - ../sie: Parser
  - hash.go: Fingerprint
  - dedup.go: Seen-set
*/
package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/sie"
)

// DefaultMaxAttempts bounds the retry loop when a concurrent writer takes a
// verification number or an import hash first.
const DefaultMaxAttempts = 5

// OpeningBalanceSourceID is the source id of the entry created from #IB 0.
const OpeningBalanceSourceID = "IB"

// Importer previews and commits SIE files.
type Importer struct {
	store  ledger.TxStore
	audit  audit.Recorder
	logger *zap.Logger

	MaxAttempts int

	now   func() time.Time
	newID func() string
}

// New creates an importer. A nil recorder discards audit records.
func New(store ledger.TxStore, rec audit.Recorder, logger *zap.Logger) *Importer {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		store:       store,
		audit:       rec,
		logger:      logger.Named("importer"),
		MaxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// =============================================================================
// PREVIEW
// =============================================================================

// Candidate is a parsed verification with its fingerprint.
type Candidate struct {
	sie.Verification
	Hash string
}

// Preview is the parse result shown before committing.
type Preview struct {
	FileName    string
	Encoding    sie.Encoding
	Program     string
	CompanyName string
	OrgNumber   string
	FiscalYear  *ledger.Period

	Accounts        []ledger.Account
	OpeningBalances []sie.Balance
	Candidates      []Candidate
	Unbalanced      int

	Warnings []sie.Issue
	Errors   []sie.Issue
}

// Verifications returns the candidates without hashes.
func (p *Preview) Verifications() []sie.Verification {
	out := make([]sie.Verification, len(p.Candidates))
	for i, c := range p.Candidates {
		out[i] = c.Verification
	}
	return out
}

// Select returns the candidates named by sourceIDs, in file order. An empty
// selection returns every candidate. Unknown ids are a validation error.
func (p *Preview) Select(sourceIDs []string) ([]sie.Verification, error) {
	if len(sourceIDs) == 0 {
		return p.Verifications(), nil
	}
	want := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []sie.Verification
	found := make(map[string]bool, len(sourceIDs))
	for _, c := range p.Candidates {
		if want[c.SourceID] {
			out = append(out, c.Verification)
			found[c.SourceID] = true
		}
	}
	var missing []string
	for _, id := range sourceIDs {
		if !found[id] {
			missing = append(missing, id)
			found[id] = true
		}
	}
	if len(missing) > 0 {
		return nil, &ledger.ValidationError{
			Field:   "source_ids",
			Message: fmt.Sprintf("not in file: %s", strings.Join(missing, ", ")),
			Err:     ledger.ErrValidation,
		}
	}
	return out, nil
}

// Preview parses raw without touching storage. A file without verifications
// fails with ErrNoVerifications.
func (im *Importer) Preview(raw []byte, fileName string) (*Preview, error) {
	doc, err := sie.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(doc.Verifications) == 0 {
		return nil, ledger.ErrNoVerifications
	}

	p := &Preview{
		FileName:        fileName,
		Encoding:        doc.Encoding,
		Program:         doc.Program,
		CompanyName:     doc.CompanyName,
		OrgNumber:       doc.OrgNumber,
		FiscalYear:      doc.FiscalYear,
		Accounts:        doc.Accounts,
		OpeningBalances: doc.OpeningBalances(),
		Warnings:        doc.Warnings,
		Errors:          doc.Errors,
	}
	for _, v := range doc.Verifications {
		if !v.Balanced {
			p.Unbalanced++
		}
		p.Candidates = append(p.Candidates, Candidate{Verification: v, Hash: HashVerification(v)})
	}

	im.logger.Debug("sie file parsed",
		zap.String("file_name", fileName),
		zap.String("encoding", string(doc.Encoding)),
		zap.Int("verifications", len(p.Candidates)),
		zap.Int("warnings", len(doc.Warnings)),
		zap.Int("errors", len(doc.Errors)))
	return p, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// CommitInput is one import batch.
type CommitInput struct {
	PeriodID      ledger.PeriodID
	FileName      string
	Verifications []sie.Verification

	// UpsertAccounts writes Accounts into the workspace chart.
	UpsertAccounts bool
	Accounts       []ledger.Account

	// OpeningBalances, when set, become an entry with verification
	// number 0 unless the period already has one.
	OpeningBalances []sie.Balance
}

// Skipped is a candidate left out of the batch.
type Skipped struct {
	SourceID string
	Reason   string
}

// Result summarizes a committed batch.
type Result struct {
	Imported      int
	Skipped       []Skipped // duplicates
	OutsidePeriod []string  // source ids
	Entries       []ledger.JournalEntry

	AccountsUpserted       int
	OpeningBalanceCreated  bool
	OpeningBalanceExisting bool
	Message                string
}

// Commit imports a batch into a period. See the package comment for the
// pipeline.
func (im *Importer) Commit(ctx context.Context, wc ledger.WorkspaceContext, in CommitInput) (*Result, error) {
	if len(in.Verifications) == 0 && len(in.OpeningBalances) == 0 {
		return nil, ledger.ErrNoVerifications
	}

	period, err := im.store.GetPeriod(ctx, wc.WorkspaceID, in.PeriodID)
	if err != nil {
		return nil, err
	}
	if period.Locked {
		return nil, ledger.ErrPeriodLocked
	}

	var (
		inside  []sie.Verification
		outside []string
	)
	for _, v := range in.Verifications {
		if !period.Range.Contains(v.Date) {
			outside = append(outside, v.SourceID)
			continue
		}
		inside = append(inside, v)
	}

	now := im.now().UTC()
	candidates, rejected := im.buildEntries(wc, period, inside, now)
	opening, err := im.openingEntry(wc, period, in.OpeningBalances, now)
	if err != nil {
		var ub *ledger.UnbalancedVerificationError
		if !errors.As(err, &ub) {
			return nil, err
		}
		rejected = append(rejected, ub.Rejected...)
	}
	if len(rejected) > 0 {
		im.logger.Info("import rejected",
			zap.String("workspace_id", string(wc.WorkspaceID)),
			zap.String("period_id", string(in.PeriodID)),
			zap.String("file_name", in.FileName),
			zap.Int("rejected", len(rejected)))
		return nil, &ledger.UnbalancedVerificationError{Rejected: rejected}
	}

	var res *Result
	for attempt := 1; attempt <= im.maxAttempts(); attempt++ {
		res = &Result{OutsidePeriod: outside}
		err = im.store.WithTx(ctx, func(tx ledger.Store) error {
			return im.commitTx(ctx, tx, wc, in, candidates, opening, res)
		})
		if !errors.Is(err, ledger.ErrDuplicateVerificationNumber) && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			break
		}
		im.logger.Warn("import raced with another writer, retrying",
			zap.String("workspace_id", string(wc.WorkspaceID)),
			zap.String("period_id", string(in.PeriodID)),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}

	res.Message = summary(res)
	im.logger.Info("import committed",
		zap.String("workspace_id", string(wc.WorkspaceID)),
		zap.String("period_id", string(in.PeriodID)),
		zap.String("file_name", in.FileName),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("outside_period", len(res.OutsidePeriod)))
	im.recordBatch(ctx, wc, in, res)
	return res, nil
}

func (im *Importer) commitTx(ctx context.Context, tx ledger.Store, wc ledger.WorkspaceContext, in CommitInput, candidates []ledger.JournalEntry, opening *ledger.JournalEntry, res *Result) error {
	period, err := tx.GetPeriod(ctx, wc.WorkspaceID, in.PeriodID)
	if err != nil {
		return err
	}
	if period.Locked {
		return ledger.ErrPeriodLocked
	}

	keys, err := tx.ImportedKeys(ctx, wc.WorkspaceID, in.PeriodID)
	if err != nil {
		return err
	}
	dedup := NewDeduper(keys)

	if in.UpsertAccounts && len(in.Accounts) > 0 {
		if err := tx.UpsertAccounts(ctx, wc.WorkspaceID, in.Accounts); err != nil {
			return err
		}
		res.AccountsUpserted = len(in.Accounts)
	}

	if err := fillAccountNames(ctx, tx, wc.WorkspaceID, candidates, opening); err != nil {
		return err
	}

	if opening != nil {
		if err := im.insertOpening(ctx, tx, wc, dedup, *opening, res); err != nil {
			return err
		}
	}

	seq, err := ledger.StartSequence(ctx, tx, wc.WorkspaceID, in.PeriodID)
	if err != nil {
		return err
	}
	for _, e := range candidates {
		if reason, dup := dedup.Check(e.ImportHash, e.SourceID); dup {
			res.Skipped = append(res.Skipped, Skipped{SourceID: e.SourceID, Reason: reason})
			continue
		}
		e.VerificationNumber = seq.Next()
		if err := tx.InsertEntry(ctx, e); err != nil {
			return fmt.Errorf("insert %s: %w", e.SourceID, err)
		}
		res.Entries = append(res.Entries, e)
		res.Imported++
	}
	return nil
}

// insertOpening writes the opening-balance entry unless the period already
// has one.
func (im *Importer) insertOpening(ctx context.Context, tx ledger.Store, wc ledger.WorkspaceContext, dedup *Deduper, e ledger.JournalEntry, res *Result) error {
	existing, err := tx.ListEntries(ctx, wc.WorkspaceID, ledger.EntryFilter{PeriodID: e.FiscalPeriodID, Source: ledger.SourceImport})
	if err != nil {
		return err
	}
	for _, x := range existing {
		if x.VerificationNumber == ledger.OpeningBalanceNumber {
			res.OpeningBalanceExisting = true
			return nil
		}
	}
	if _, dup := dedup.Check(e.ImportHash, ""); dup {
		res.OpeningBalanceExisting = true
		return nil
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return fmt.Errorf("insert opening balance: %w", err)
	}
	res.Entries = append(res.Entries, e)
	res.OpeningBalanceCreated = true
	return nil
}

// fillAccountNames copies chart names into lines that carry none, after the
// optional upsert so names from the same file are used.
func fillAccountNames(ctx context.Context, tx ledger.Store, ws ledger.WorkspaceID, entries []ledger.JournalEntry, opening *ledger.JournalEntry) error {
	accounts, err := tx.ListAccounts(ctx, ws)
	if err != nil {
		return err
	}
	names := make(map[ledger.AccountNumber]string, len(accounts))
	for _, a := range accounts {
		names[a.Number] = a.Name
	}
	fill := func(lines []ledger.Line) {
		for i := range lines {
			if lines[i].AccountName == "" {
				lines[i].AccountName = names[lines[i].AccountNumber]
			}
		}
	}
	for _, e := range entries {
		fill(e.Lines)
	}
	if opening != nil {
		fill(opening.Lines)
	}
	return nil
}

func (im *Importer) maxAttempts() int {
	if im.MaxAttempts <= 0 {
		return 1
	}
	return im.MaxAttempts
}

// =============================================================================
// ENTRY BUILDING
// =============================================================================

// buildEntries converts verifications to unnumbered entries and collects
// every candidate the parser flagged or the balance validator rejects.
func (im *Importer) buildEntries(wc ledger.WorkspaceContext, period ledger.FiscalPeriod, vs []sie.Verification, now time.Time) ([]ledger.JournalEntry, []ledger.RejectedVerification) {
	var (
		entries  []ledger.JournalEntry
		rejected []ledger.RejectedVerification
	)
	for _, v := range vs {
		e := ledger.JournalEntry{
			ID:             ledger.EntryID(im.newID()),
			WorkspaceID:    wc.WorkspaceID,
			FiscalPeriodID: period.ID,
			EntryDate:      v.Date,
			Description:    strings.TrimSpace(v.Description),
			EntryType:      ledger.EntryOther,
			SourceType:     ledger.SourceImport,
			SourceID:       v.SourceID,
			ImportHash:     HashVerification(v),
			CreatedBy:      wc.ActorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for i, l := range v.Lines {
			e.Lines = append(e.Lines, ledger.Line{
				ID:            im.newID(),
				AccountNumber: l.AccountNumber,
				AccountName:   l.AccountName,
				Debit:         l.Debit,
				Credit:        l.Credit,
				Note:          l.Text,
				SortOrder:     i,
			})
		}
		reason := v.Invalid
		if reason == "" {
			reason = rejectReason(e.Lines)
		}
		if reason != "" {
			rejected = append(rejected, ledger.RejectedVerification{SourceID: v.SourceID, Reason: reason})
			continue
		}
		entries = append(entries, e)
	}
	return entries, rejected
}

// openingEntry builds the number-0 entry from #IB 0 rows. It returns nil when
// there is nothing to write.
func (im *Importer) openingEntry(wc ledger.WorkspaceContext, period ledger.FiscalPeriod, balances []sie.Balance, now time.Time) (*ledger.JournalEntry, error) {
	e := ledger.JournalEntry{
		ID:                 ledger.EntryID(im.newID()),
		WorkspaceID:        wc.WorkspaceID,
		FiscalPeriodID:     period.ID,
		VerificationNumber: ledger.OpeningBalanceNumber,
		EntryDate:          period.Range.Start,
		Description:        "Ingående balans",
		EntryType:          ledger.EntryOpeningBalance,
		SourceType:         ledger.SourceImport,
		SourceID:           OpeningBalanceSourceID,
		CreatedBy:          wc.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, b := range balances {
		if b.Kind != sie.BalanceOpening || b.YearIndex != 0 || b.Amount.IsZero() {
			continue
		}
		l := ledger.Line{ID: im.newID(), AccountNumber: b.Account, SortOrder: len(e.Lines)}
		if b.Amount.IsPositive() {
			l.Debit = ledger.Some(b.Amount)
		} else {
			l.Credit = ledger.Some(b.Amount.Neg())
		}
		e.Lines = append(e.Lines, l)
	}
	if len(e.Lines) == 0 {
		return nil, nil
	}
	if reason := rejectReason(e.Lines); reason != "" {
		return nil, &ledger.UnbalancedVerificationError{
			Rejected: []ledger.RejectedVerification{{SourceID: OpeningBalanceSourceID, Reason: reason}},
		}
	}
	e.ImportHash = HashEntry(e)
	return &e, nil
}

// rejectReason runs the shared line validator and returns why the lines are
// not importable, or "" when they are.
func rejectReason(lines []ledger.Line) string {
	res, err := ledger.ValidateLines(lines)
	if err == nil {
		return ""
	}
	var ub *ledger.UnbalancedError
	if errors.As(err, &ub) {
		return fmt.Sprintf("debit %s != credit %s", res.TotalDebit.StringFixed(2), res.TotalCredit.StringFixed(2))
	}
	return err.Error()
}

// =============================================================================
// AUDIT
// =============================================================================

func (im *Importer) recordBatch(ctx context.Context, wc ledger.WorkspaceContext, in CommitInput, res *Result) {
	batch := map[string]string{
		"file_name":            in.FileName,
		"batch_total":          strconv.Itoa(len(in.Verifications)),
		"batch_imported":       strconv.Itoa(res.Imported),
		"batch_skipped":        strconv.Itoa(len(res.Skipped)),
		"batch_outside_period": strconv.Itoa(len(res.OutsidePeriod)),
	}
	for i := range res.Entries {
		e := &res.Entries[i]
		prov := make(map[string]string, len(batch)+2)
		for k, v := range batch {
			prov[k] = v
		}
		prov["source_id"] = e.SourceID
		prov["import_hash"] = e.ImportHash

		im.audit.Record(ctx, ledger.AuditRecord{
			WorkspaceID: wc.WorkspaceID,
			ActorID:     wc.ActorID,
			Action:      ledger.AuditEntryImported,
			EntityType:  "journal_entry",
			EntityID:    string(e.ID),
			After:       audit.Snapshot(e),
			Provenance:  prov,
		})
	}
}

func summary(res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "imported %d verification(s)", res.Imported)
	if n := len(res.Skipped); n > 0 {
		fmt.Fprintf(&b, ", skipped %d duplicate(s)", n)
	}
	if n := len(res.OutsidePeriod); n > 0 {
		fmt.Fprintf(&b, ", %d outside the fiscal period", n)
	}
	if res.OpeningBalanceCreated {
		b.WriteString(", opening balance created")
	}
	return b.String()
}
