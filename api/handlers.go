/*
handlers.go - HTTP API handlers for the ledger

PURPOSE:
  Exposes the journal, fiscal period, annual closing, import and report
  services via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the services. No ledger rule lives here.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                           Chart of accounts
    PUT    /api/accounts                           Upsert accounts

  Periods:
    GET    /api/periods                            List periods
    POST   /api/periods                            Create period
    GET    /api/periods/{id}                       Get period
    POST   /api/periods/{id}/lock                  Lock period
    POST   /api/periods/{id}/unlock                Unlock (acknowledge_finalized)

  Entries:
    GET    /api/periods/{id}/entries               List (from, to, source)
    POST   /api/periods/{id}/entries               Create entry
    GET    /api/entries/{id}                       Get entry
    PUT    /api/entries/{id}                       Replace entry
    DELETE /api/entries/{id}                       Delete entry
    POST   /api/entries/{id}/lock                  Lock or unlock one entry

  Annual closing:
    GET    /api/periods/{id}/closing               Current stage
    POST   /api/periods/{id}/closing/reconciliation
    POST   /api/periods/{id}/closing/package
    POST   /api/periods/{id}/closing/entries       (acknowledge_no_entries)
    POST   /api/periods/{id}/closing/tax
    POST   /api/periods/{id}/closing/finalize

  Import / export:
    POST   /api/periods/{id}/import/preview        Parse, no writes
    POST   /api/periods/{id}/import                Commit (upsert_accounts, opening_balance, source_ids)
    GET    /api/periods/{id}/export.sie            SIE type 4 file

  Reports:
    GET    /api/periods/{id}/reports/balances      (from_account, to_account, from, to)
    GET    /api/periods/{id}/reports/accounts/{n}  Account ledger
    GET    /api/periods/{id}/reports/balance-sheet
    GET    /api/periods/{id}/reports/income-statement
    GET    /api/periods/{id}/reports/vat

  Audit:
    GET    /api/audit                              (entity_id, action, from, to, limit)

REQUEST FLOW:
  1. Read workspace context (middleware)
  2. Parse HTTP request
  3. Call the service
  4. Serialize response
  5. Map errors to status codes (writeServiceError)

ERROR HANDLING:
  - 400: Malformed request (bad JSON, bad query parameter)
  - 404: Unknown or foreign period/entry
  - 409: Locked period or entry, lock races, closing stage order
  - 412/428: Soft precondition; body names the acknowledge flag
  - 422: Validation (unbalanced entry, bad account, rejected import)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/fiscal"
	"github.com/warp/ledger-engine/importer"
	"github.com/warp/ledger-engine/journal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/report"
	"github.com/warp/ledger-engine/sie"
)

// MaxImportSize bounds uploaded SIE files.
const MaxImportSize = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store    ledger.TxStore
	auditLog ledger.AuditLog

	journal  *journal.Service
	periods  *fiscal.Lifecycle
	closing  *fiscal.Workflow
	importer *importer.Importer
	reports  *report.Builder
	agg      *report.Aggregator

	currency string
	program  string
	logger   *zap.Logger
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Store    ledger.TxStore
	AuditLog ledger.AuditLog
	Recorder audit.Recorder // defaults to a direct write to AuditLog
	Layout   report.Layout
	Currency string
	Program  string // written to #PROGRAM on export
	Logger   *zap.Logger
}

// NewHandler wires the services over one store.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := d.Recorder
	if rec == nil {
		rec = audit.Direct{Log: d.AuditLog}
	}
	if d.Currency == "" {
		d.Currency = "SEK"
	}
	if d.Program == "" {
		d.Program = "ledger-engine"
	}
	return &Handler{
		store:    d.Store,
		auditLog: d.AuditLog,
		journal:  journal.NewService(d.Store, rec, logger),
		periods:  fiscal.NewLifecycle(d.Store, rec, logger),
		closing:  fiscal.NewWorkflow(d.Store, rec, logger),
		importer: importer.New(d.Store, rec, logger),
		reports:  report.NewBuilder(d.Store, d.Layout),
		agg:      report.NewAggregator(d.Store),
		currency: d.Currency,
		program:  d.Program,
		logger:   logger.Named("api"),
	}
}

func periodParam(r *http.Request) ledger.PeriodID {
	return ledger.PeriodID(chi.URLParam(r, "periodID"))
}

func entryParam(r *http.Request) ledger.EntryID {
	return ledger.EntryID(chi.URLParam(r, "entryID"))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns the workspace chart of accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	wc := workspaceFrom(r)
	accounts, err := h.store.ListAccounts(r.Context(), wc.WorkspaceID)
	if err != nil {
		h.writeServiceError(w, "Failed to list accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accounts))
}

// UpsertAccounts creates or renames accounts.
func (h *Handler) UpsertAccounts(w http.ResponseWriter, r *http.Request) {
	var req []AccountDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	accounts := make([]ledger.Account, len(req))
	for i, a := range req {
		n := ledger.AccountNumber(a.Number)
		if !n.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "Invalid account number",
				fmt.Errorf("%w: %d", ledger.ErrInvalidAccount, a.Number))
			return
		}
		accounts[i] = ledger.Account{Number: n, Name: strings.TrimSpace(a.Name)}
	}

	wc := workspaceFrom(r)
	if err := h.store.UpsertAccounts(r.Context(), wc.WorkspaceID, accounts); err != nil {
		h.writeServiceError(w, "Failed to save accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accounts))
}

func toAccountDTOs(accounts []ledger.Account) []AccountDTO {
	out := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		out[i] = AccountDTO{Number: int(a.Number), Name: a.Name, NormalSide: string(a.Number.NormalSide())}
	}
	return out
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPeriods returns the periods of the workspace in date order.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.periods.List(r.Context(), workspaceFrom(r))
	if err != nil {
		h.writeServiceError(w, "Failed to list periods", err)
		return
	}
	out := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		out[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreatePeriod creates an open fiscal period.
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.periods.Create(r.Context(), workspaceFrom(r), req.input())
	if err != nil {
		h.writeServiceError(w, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

// GetPeriod returns one period.
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.periods.Get(r.Context(), workspaceFrom(r), periodParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// LockPeriod locks an open period.
func (h *Handler) LockPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.periods.Lock(r.Context(), workspaceFrom(r), periodParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to lock period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// UnlockPeriod reopens a period. An empty body is the same as
// {"acknowledge_finalized": false}.
func (h *Handler) UnlockPeriod(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if boolQuery(r, "acknowledge_finalized") {
		req.AcknowledgeFinalized = true
	}

	res, err := h.periods.Unlock(r.Context(), workspaceFrom(r), periodParam(r), req.AcknowledgeFinalized)
	if err != nil {
		h.writeServiceError(w, "Failed to unlock period", err)
		return
	}
	writeJSON(w, http.StatusOK, UnlockDTO{Period: toPeriodDTO(res.Period), ClosingReverted: res.ClosingReverted})
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns the entries of a period ordered by verification number.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	wc := workspaceFrom(r)
	period := periodParam(r)
	if _, err := h.periods.Get(r.Context(), wc, period); err != nil {
		h.writeServiceError(w, "Failed to get period", err)
		return
	}

	dates, err := dateRangeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}
	filter := ledger.EntryFilter{PeriodID: period, Dates: dates}
	if src := r.URL.Query().Get("source"); src != "" {
		filter.Source = ledger.SourceType(src)
		if !filter.Source.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid source", fmt.Errorf("unknown source type %q", src))
			return
		}
	}

	entries, err := h.journal.List(r.Context(), wc, filter)
	if err != nil {
		h.writeServiceError(w, "Failed to list entries", err)
		return
	}
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateEntry posts a manual entry with the next verification number.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.journal.Create(r.Context(), workspaceFrom(r), journal.CreateInput{
		PeriodID:    periodParam(r),
		EntryDate:   req.EntryDate,
		Description: req.Description,
		EntryType:   ledger.EntryType(req.EntryType),
		SourceType:  ledger.SourceManual,
		Lines:       req.lines(),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to create entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// GetEntry returns one entry with its lines.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.journal.Get(r.Context(), workspaceFrom(r), entryParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// UpdateEntry replaces the header and every line of an entry.
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.journal.Update(r.Context(), workspaceFrom(r), entryParam(r), journal.UpdateInput{
		EntryDate:   req.EntryDate,
		Description: req.Description,
		EntryType:   ledger.EntryType(req.EntryType),
		Lines:       req.lines(),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to update entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// DeleteEntry removes an entry. Its number is not reused.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.journal.Delete(r.Context(), workspaceFrom(r), entryParam(r)); err != nil {
		h.writeServiceError(w, "Failed to delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LockEntry sets or clears the lock of a single entry.
func (h *Handler) LockEntry(w http.ResponseWriter, r *http.Request) {
	req := LockEntryRequest{Locked: true}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.journal.SetLocked(r.Context(), workspaceFrom(r), entryParam(r), req.Locked)
	if err != nil {
		h.writeServiceError(w, "Failed to change entry lock", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// =============================================================================
// ANNUAL CLOSING HANDLERS
// =============================================================================

// GetClosing returns the closing record; periods without one report
// not_started.
func (h *Handler) GetClosing(w http.ResponseWriter, r *http.Request) {
	c, err := h.closing.Get(r.Context(), workspaceFrom(r), periodParam(r))
	h.respondClosing(w, c, err)
}

func (h *Handler) CompleteReconciliation(w http.ResponseWriter, r *http.Request) {
	c, err := h.closing.CompleteReconciliation(r.Context(), workspaceFrom(r), periodParam(r))
	h.respondClosing(w, c, err)
}

func (h *Handler) SelectPackage(w http.ResponseWriter, r *http.Request) {
	var req SelectPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.closing.SelectPackage(r.Context(), workspaceFrom(r), periodParam(r), ledger.ClosingPackage(strings.ToLower(req.Package)))
	h.respondClosing(w, c, err)
}

func (h *Handler) MarkClosingEntries(w http.ResponseWriter, r *http.Request) {
	var req ClosingEntriesRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if boolQuery(r, "acknowledge_no_entries") {
		req.AcknowledgeNoEntries = true
	}
	c, err := h.closing.MarkClosingEntriesCreated(r.Context(), workspaceFrom(r), periodParam(r), req.AcknowledgeNoEntries)
	h.respondClosing(w, c, err)
}

func (h *Handler) SaveTax(w http.ResponseWriter, r *http.Request) {
	var req TaxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.closing.SaveTaxCalculation(r.Context(), workspaceFrom(r), periodParam(r), fiscal.TaxCalculation{TaxAmount: req.TaxAmount})
	h.respondClosing(w, c, err)
}

// FinalizeClosing finalizes the closing and locks the period.
func (h *Handler) FinalizeClosing(w http.ResponseWriter, r *http.Request) {
	c, err := h.closing.Finalize(r.Context(), workspaceFrom(r), periodParam(r))
	h.respondClosing(w, c, err)
}

func (h *Handler) respondClosing(w http.ResponseWriter, c ledger.AnnualClosing, err error) {
	if err != nil {
		h.writeServiceError(w, "Annual closing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toClosingDTO(c))
}

// =============================================================================
// IMPORT / EXPORT HANDLERS
// =============================================================================

// PreviewImport parses an uploaded SIE file without writing anything.
func (h *Handler) PreviewImport(w http.ResponseWriter, r *http.Request) {
	if _, err := h.periods.Get(r.Context(), workspaceFrom(r), periodParam(r)); err != nil {
		h.writeServiceError(w, "Failed to get period", err)
		return
	}
	raw, name, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", err)
		return
	}

	p, err := h.importer.Preview(raw, name)
	if err != nil {
		h.writeServiceError(w, "Failed to parse file", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(p))
}

// CommitImport parses the uploaded file again and imports it into the
// period. Query flags: upsert_accounts, opening_balance. source_ids
// (repeated or comma-separated, query or form field) limits the import to
// the verifications picked from the preview.
func (h *Handler) CommitImport(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", err)
		return
	}

	p, err := h.importer.Preview(raw, name)
	if err != nil {
		h.writeServiceError(w, "Failed to parse file", err)
		return
	}

	selected, err := p.Select(listParam(r, "source_ids"))
	if err != nil {
		h.writeServiceError(w, "Invalid selection", err)
		return
	}

	in := importer.CommitInput{
		PeriodID:       periodParam(r),
		FileName:       name,
		Verifications:  selected,
		UpsertAccounts: boolQuery(r, "upsert_accounts"),
		Accounts:       p.Accounts,
	}
	if boolQuery(r, "opening_balance") {
		in.OpeningBalances = p.OpeningBalances
	}

	res, err := h.importer.Commit(r.Context(), workspaceFrom(r), in)
	if err != nil {
		h.writeServiceError(w, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toImportResultDTO(res))
}

// ExportSIE writes the period as a SIE type 4 file.
func (h *Handler) ExportSIE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wc := workspaceFrom(r)

	p, err := h.periods.Get(ctx, wc, periodParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get period", err)
		return
	}
	entries, err := h.journal.List(ctx, wc, ledger.EntryFilter{PeriodID: p.ID})
	if err != nil {
		h.writeServiceError(w, "Failed to list entries", err)
		return
	}
	chart, err := h.store.ListAccounts(ctx, wc.WorkspaceID)
	if err != nil {
		h.writeServiceError(w, "Failed to list accounts", err)
		return
	}

	exp := sie.FromEntries(p, entries, chart)
	exp.Program = h.program
	exp.CompanyName = r.URL.Query().Get("company_name")
	exp.OrgNumber = r.URL.Query().Get("org_number")
	exp.Generated = ledger.DateOf(time.Now())

	// Render first so a write error can still produce a JSON error.
	var buf bytes.Buffer
	if err := sie.Write(&buf, exp); err != nil {
		h.writeServiceError(w, "Failed to write SIE file", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=IBM437")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Slug+".se"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// readUpload accepts either a multipart form with a "file" field or the raw
// file as the request body (name in ?file_name=).
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImportSize)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		raw, err := io.ReadAll(file)
		return raw, header.Filename, err
	}

	raw, err := io.ReadAll(r.Body)
	name := r.URL.Query().Get("file_name")
	if name == "" {
		name = "upload.se"
	}
	return raw, name, err
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// Balances returns per-account turnover.
func (h *Handler) Balances(w http.ResponseWriter, r *http.Request) {
	wc := workspaceFrom(r)
	scope, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	q := ledger.BalanceQuery{PeriodID: scope.PeriodID, Dates: scope.Dates}
	accounts, err := accountRangeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account range", err)
		return
	}
	q.Accounts = accounts

	balances, err := h.agg.Balances(r.Context(), wc.WorkspaceID, q)
	if err != nil {
		h.writeServiceError(w, "Failed to aggregate balances", err)
		return
	}
	out := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		signed := report.Signed(b)
		out[i] = BalanceDTO{
			AccountNumber: int(b.AccountNumber),
			AccountName:   b.AccountName,
			TotalDebit:    b.TotalDebit.StringFixed(2),
			TotalCredit:   b.TotalCredit.StringFixed(2),
			Balance:       signed.StringFixed(2),
			Display:       report.FormatAmount(signed, h.currency),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// AccountLedger lists one account's lines with a running balance.
func (h *Handler) AccountLedger(w http.ResponseWriter, r *http.Request) {
	wc := workspaceFrom(r)
	scope, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	account, err := ledger.ParseAccountNumber(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account number", err)
		return
	}

	rows, err := h.agg.ListByAccount(r.Context(), wc.WorkspaceID, account, scope.PeriodID, scope.Dates)
	if err != nil {
		h.writeServiceError(w, "Failed to list account lines", err)
		return
	}
	out := make([]LedgerRowDTO, len(rows))
	for i, row := range rows {
		out[i] = LedgerRowDTO{
			EntryID:            string(row.EntryID),
			VerificationNumber: row.VerificationNumber,
			EntryDate:          row.EntryDate,
			Description:        row.Description,
			Debit:              amountPtr(row.Line.Debit),
			Credit:             amountPtr(row.Line.Credit),
			Balance:            row.Balance.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) BalanceSheet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	sheet, err := h.reports.BalanceSheet(r.Context(), workspaceFrom(r).WorkspaceID, scope)
	if err != nil {
		h.writeServiceError(w, "Failed to build balance sheet", err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (h *Handler) IncomeStatement(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	is, err := h.reports.IncomeStatement(r.Context(), workspaceFrom(r).WorkspaceID, scope)
	if err != nil {
		h.writeServiceError(w, "Failed to build income statement", err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (h *Handler) VAT(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.reportScope(w, r)
	if !ok {
		return
	}
	vat, err := h.reports.VAT(r.Context(), workspaceFrom(r).WorkspaceID, scope)
	if err != nil {
		h.writeServiceError(w, "Failed to build VAT report", err)
		return
	}
	writeJSON(w, http.StatusOK, vat)
}

// reportScope checks the period belongs to the workspace and reads the
// optional from/to dates. It writes the error response itself.
func (h *Handler) reportScope(w http.ResponseWriter, r *http.Request) (report.Scope, bool) {
	p, err := h.periods.Get(r.Context(), workspaceFrom(r), periodParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get period", err)
		return report.Scope{}, false
	}
	dates, err := dateRangeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return report.Scope{}, false
	}
	return report.Scope{PeriodID: p.ID, Dates: dates}, true
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit records of the workspace in the order they were
// written. Defaults to the first 100.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.AuditFilter{
		WorkspaceID: workspaceFrom(r).WorkspaceID,
		EntityID:    q.Get("entity_id"),
		Limit:       100,
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, ledger.AuditAction(a))
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if s := q.Get(p.key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+p.key+" (use RFC 3339)", err)
				return
			}
			*p.dst = &t
		}
	}

	records, err := h.auditLog.QueryAudit(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, "Failed to query audit log", err)
		return
	}
	out := make([]AuditDTO, len(records))
	for i, rec := range records {
		out[i] = toAuditDTO(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a service error onto a status code. Soft
// preconditions and import rejections carry structured details.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var pre *ledger.PreconditionError
	var unbalanced *ledger.UnbalancedVerificationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &pre):
		status = http.StatusPreconditionFailed
		if errors.Is(err, ledger.ErrPreconditionRequired) {
			status = http.StatusPreconditionRequired
		}
		resp.Code = pre.Code
		resp.Acknowledge = pre.Acknowledge
	case errors.As(err, &unbalanced):
		status = http.StatusUnprocessableEntity
		for _, rej := range unbalanced.Rejected {
			resp.Rejected = append(resp.Rejected, RejectedDTO{SourceID: rej.SourceID, Reason: rej.Reason})
		}
	case ledger.IsValidation(err), errors.Is(err, ledger.ErrNoVerifications), isFileError(err):
		status = http.StatusUnprocessableEntity
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsStateConflict(err):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func isFileError(err error) bool {
	return errors.Is(err, sie.ErrEmptyFile) ||
		errors.Is(err, sie.ErrNoRecords) ||
		errors.Is(err, sie.ErrNestedBlock) ||
		errors.Is(err, sie.ErrUnclosedBlock)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func boolQuery(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// listParam collects key from the query string and, for multipart uploads,
// the form. Values may also be comma-separated.
func listParam(r *http.Request, key string) []string {
	raw := r.URL.Query()[key]
	if r.MultipartForm != nil {
		raw = append(raw, r.MultipartForm.Value[key]...)
	}
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// dateRangeQuery reads ?from=&to=. Either may be omitted; nil means no
// restriction.
func dateRangeQuery(r *http.Request) (*ledger.Period, error) {
	q := r.URL.Query()
	fromS, toS := q.Get("from"), q.Get("to")
	if fromS == "" && toS == "" {
		return nil, nil
	}
	p := ledger.Period{Start: ledger.NewDate(1, time.January, 1), End: ledger.NewDate(9999, time.December, 31)}
	var err error
	if fromS != "" {
		if p.Start, err = ledger.ParseDate(fromS); err != nil {
			return nil, err
		}
	}
	if toS != "" {
		if p.End, err = ledger.ParseDate(toS); err != nil {
			return nil, err
		}
	}
	if !p.Valid() {
		return nil, fmt.Errorf("to %s is before from %s", p.End, p.Start)
	}
	return &p, nil
}

func accountRangeQuery(r *http.Request) (*ledger.AccountRange, error) {
	q := r.URL.Query()
	fromS, toS := q.Get("from_account"), q.Get("to_account")
	if fromS == "" && toS == "" {
		return nil, nil
	}
	rng := ledger.AccountRange{From: 1000, To: 9999}
	var err error
	if fromS != "" {
		if rng.From, err = ledger.ParseAccountNumber(fromS); err != nil {
			return nil, err
		}
	}
	if toS != "" {
		if rng.To, err = ledger.ParseAccountNumber(toS); err != nil {
			return nil, err
		}
	}
	if rng.To < rng.From {
		return nil, fmt.Errorf("to_account %d is below from_account %d", rng.To, rng.From)
	}
	return &rng, nil
}
