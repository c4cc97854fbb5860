/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Workspace header enforcement
- Period lifecycle and status codes for lock conflicts
- Entry CRUD and validation mapping (422 / 404 / 409)
- Annual closing with soft preconditions (412 / 428)
- SIE import preview, commit and re-import
- Reports, SIE export and audit query
*/
package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/report"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router    http.Handler
	mem       *store.Memory
	workspace string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(Deps{Store: mem, AuditLog: mem, Layout: report.DefaultLayout(), Currency: "SEK"})
	return &testServer{router: NewRouter(h, RouterOptions{}), mem: mem, workspace: "ws-1"}
}

// do sends body as JSON unless it is already a []byte.
func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if s.workspace != "" {
		req.Header.Set(HeaderWorkspace, s.workspace)
	}
	req.Header.Set(HeaderActor, "alice")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createPeriod(t *testing.T, label, start, end string) PeriodDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/periods", map[string]string{
		"label": label, "start_date": start, "end_date": end,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PeriodDTO](t, rec)
}

func line(account int, debit, credit string) map[string]any {
	l := map[string]any{"account_number": account}
	if debit != "" {
		l["debit"] = debit
	}
	if credit != "" {
		l["credit"] = credit
	}
	return l
}

func entryBody(date, description string, lines ...map[string]any) map[string]any {
	return map[string]any{"entry_date": date, "description": description, "lines": lines}
}

// saleBody is a 1 250 kr sale including 25 % VAT.
func saleBody(date string) map[string]any {
	return entryBody(date, "Faktura 1001",
		line(1930, "1250.00", ""), line(3001, "", "1000.00"), line(2611, "", "250.00"))
}

func (s *testServer) createEntry(t *testing.T, periodID string, body map[string]any) EntryDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/periods/"+periodID+"/entries", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[EntryDTO](t, rec)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestWorkspaceHeaderRequired(t *testing.T) {
	s := newTestServer(t)
	s.workspace = ""

	rec := s.do(t, http.MethodGet, "/api/periods", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, HeaderWorkspace)
}

func TestHealthzAndIndex(t *testing.T) {
	s := newTestServer(t)
	s.workspace = ""

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ledger Engine API")
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriodLifecycle(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: an open period
	p := s.createPeriod(t, "Räkenskapsår 2024", "2024-01-01", "2024-12-31")
	assert.Equal(t, "open", p.Status)
	assert.NotEmpty(t, p.Slug)

	// WHEN: locking it twice
	rec := s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	locked := decode[PeriodDTO](t, rec)
	assert.Equal(t, "locked", locked.Status)
	assert.Equal(t, "alice", locked.LockedBy)

	// THEN: the second lock conflicts
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/lock", nil).Code)

	// AND: writes into the locked period conflict
	rec = s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/entries", saleBody("2024-02-01"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: unlocking without a finalized closing, no acknowledgement is needed
	rec = s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/unlock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	unlocked := decode[UnlockDTO](t, rec)
	assert.Equal(t, "open", unlocked.Period.Status)
	assert.False(t, unlocked.ClosingReverted)

	// AND: unlocking an open period conflicts
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/unlock", nil).Code)

	list := decode[[]PeriodDTO](t, s.do(t, http.MethodGet, "/api/periods", nil))
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

func TestCreatePeriod_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/periods", map[string]string{
		"label": "2024", "start_date": "2024-12-31", "end_date": "2024-01-01",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/periods", []byte(`{"label": "2024", "start_date": "31/12/2024"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeriod_OtherWorkspaceIsNotFound(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")

	s.workspace = "ws-2"
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/periods/"+p.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/lock", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/reports/balance-sheet", nil).Code)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestCreateEntry(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")

	first := s.createEntry(t, p.ID, saleBody("2024-02-01"))
	second := s.createEntry(t, p.ID, saleBody("2024-01-15"))

	assert.Equal(t, 1, first.VerificationNumber)
	assert.Equal(t, 2, second.VerificationNumber)
	assert.Equal(t, "1250.00", first.TotalDebit)
	assert.Equal(t, "1250.00", first.TotalCredit)
	assert.Equal(t, "manual", first.SourceType)
	assert.Equal(t, "other", first.EntryType)
	assert.Equal(t, "alice", first.CreatedBy)
	require.Len(t, first.Lines, 3)
	assert.True(t, first.Lines[0].Debit.Valid)
	assert.False(t, first.Lines[0].Credit.Valid)
	assert.True(t, first.Lines[2].Credit.Decimal.Equal(ledger.MustAmount("250")))

	// Listed by number, not date.
	list := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil))
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	feb := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries?from=2024-02-01", nil))
	require.Len(t, feb, 1)
	assert.Equal(t, first.ID, feb[0].ID)
}

func TestCreateEntry_Rejected(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unbalanced", "/api/periods/" + p.ID + "/entries",
			entryBody("2024-02-01", "x", line(1930, "100.00", ""), line(3001, "", "90.00")), http.StatusUnprocessableEntity},
		{"single line", "/api/periods/" + p.ID + "/entries",
			entryBody("2024-02-01", "x", line(1930, "100.00", "")), http.StatusUnprocessableEntity},
		{"both sides", "/api/periods/" + p.ID + "/entries",
			entryBody("2024-02-01", "x", line(1930, "100.00", "100.00"), line(3001, "", "100.00")), http.StatusUnprocessableEntity},
		{"bad account", "/api/periods/" + p.ID + "/entries",
			entryBody("2024-02-01", "x", line(999, "100.00", ""), line(3001, "", "100.00")), http.StatusUnprocessableEntity},
		{"outside period", "/api/periods/" + p.ID + "/entries", saleBody("2025-01-01"), http.StatusUnprocessableEntity},
		{"unknown period", "/api/periods/nope/entries", saleBody("2024-02-01"), http.StatusNotFound},
		{"malformed", "/api/periods/" + p.ID + "/entries", []byte(`{"lines": [`), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	// Nothing was written, so numbering still starts at 1.
	assert.Equal(t, 1, s.createEntry(t, p.ID, saleBody("2024-02-01")).VerificationNumber)
}

func TestUpdateLockDeleteEntry(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	e := s.createEntry(t, p.ID, saleBody("2024-02-01"))
	path := "/api/entries/" + e.ID

	// Update keeps the number and replaces the lines.
	rec := s.do(t, http.MethodPut, path, entryBody("2024-02-02", "Faktura 1001 rättad",
		line(1930, "500.00", ""), line(3001, "", "500.00")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[EntryDTO](t, rec)
	assert.Equal(t, e.VerificationNumber, updated.VerificationNumber)
	assert.Equal(t, "500.00", updated.TotalDebit)
	assert.Len(t, updated.Lines, 2)

	// A locked entry can be neither changed nor deleted.
	rec = s.do(t, http.MethodPost, path+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[EntryDTO](t, rec).Locked)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, path, nil).Code)

	rec = s.do(t, http.MethodPost, path+"/lock", map[string]bool{"locked": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[EntryDTO](t, rec).Locked)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil).Code)

	// The deleted number is not reused.
	assert.Equal(t, 2, s.createEntry(t, p.ID, saleBody("2024-03-01")).VerificationNumber)
}

// =============================================================================
// ANNUAL CLOSING
// =============================================================================

func TestAnnualClosing(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	s.createEntry(t, p.ID, saleBody("2024-02-01"))
	base := "/api/periods/" + p.ID + "/closing"

	closing := decode[ClosingDTO](t, s.do(t, http.MethodGet, base, nil))
	assert.Equal(t, "not_started", closing.Status)

	// Stages cannot be skipped.
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base+"/finalize", nil).Code)

	rec := s.do(t, http.MethodPost, base+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[ClosingDTO](t, rec).ReconciledAt)

	assert.Equal(t, http.StatusUnprocessableEntity,
		s.do(t, http.MethodPost, base+"/package", map[string]string{"package": "k9"}).Code)
	rec = s.do(t, http.MethodPost, base+"/package", map[string]string{"package": "K2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "k2", decode[ClosingDTO](t, rec).Package)

	// No entry on 2024-12-31: soft block naming the flag.
	rec = s.do(t, http.MethodPost, base+"/entries", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "no_closing_entries", errResp.Code)
	assert.Equal(t, "acknowledge_no_entries", errResp.Acknowledge)

	rec = s.do(t, http.MethodPost, base+"/entries", map[string]bool{"acknowledge_no_entries": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[ClosingDTO](t, rec).NoEntriesAcknowledged)

	rec = s.do(t, http.MethodPost, base+"/tax", map[string]string{"tax_amount": "206.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closing = decode[ClosingDTO](t, rec)
	require.NotNil(t, closing.ResultBeforeTax)
	assert.Equal(t, "1000.00", *closing.ResultBeforeTax)
	assert.Equal(t, "206.00", *closing.TaxAmount)
	assert.Equal(t, "794.00", *closing.NetResult)

	rec = s.do(t, http.MethodPost, base+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "finalized", decode[ClosingDTO](t, rec).Status)
	assert.Equal(t, "locked", decode[PeriodDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID, nil)).Status)

	// Reopening a finalized year needs the acknowledgement.
	rec = s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/unlock", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Equal(t, "acknowledge_finalized", decode[ErrorResponse](t, rec).Acknowledge)

	rec = s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/unlock", map[string]bool{"acknowledge_finalized": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[UnlockDTO](t, rec).ClosingReverted)
	assert.Equal(t, "tax_calculated", decode[ClosingDTO](t, s.do(t, http.MethodGet, base, nil)).Status)
}

// =============================================================================
// IMPORT / EXPORT
// =============================================================================

const importFile = `#FLAGGA 0
#FORMAT PC8
#SIETYP 4
#FNAMN "Test AB"
#RAR 0 20240101 20241231
#KONTO 1930 "Företagskonto"
#KONTO 2081 "Aktiekapital"
#KONTO 3001 "Försäljning"
#IB 0 1930 5000.00
#IB 0 2081 -5000.00
#VER A 1 20240115 "Faktura 1"
{
#TRANS 1930 {} 1000.00
#TRANS 3001 {} -1000.00
}
#VER A 2 20240201 "Kaffe"
{
#TRANS 5460 {} 120.00
#TRANS 1930 {} -120.00
}
`

func TestImport_PreviewCommitReimport(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	base := "/api/periods/" + p.ID + "/import"

	// Preview writes nothing.
	rec := s.do(t, http.MethodPost, base+"/preview?file_name=bok.se", []byte(importFile))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[PreviewDTO](t, rec)
	assert.Equal(t, "bok.se", preview.FileName)
	assert.Equal(t, "Test AB", preview.CompanyName)
	assert.Equal(t, 3, preview.Accounts)
	assert.Equal(t, 2, preview.OpeningBalances)
	require.Len(t, preview.Verifications, 2)
	assert.Equal(t, "A1", preview.Verifications[0].SourceID)
	assert.True(t, preview.Verifications[0].Balanced)
	assert.Len(t, preview.Verifications[0].Hash, 64)
	require.NotNil(t, preview.FiscalYear)
	assert.Equal(t, "2024-12-31", preview.FiscalYear.EndDate.String())
	assert.Empty(t, decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil)))

	// Commit with the chart and opening balance.
	rec = s.do(t, http.MethodPost, base+"?file_name=bok.se&upsert_accounts=true&opening_balance=true", []byte(importFile))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ImportResultDTO](t, rec)
	assert.Equal(t, 2, res.Imported)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 3, res.AccountsUpserted)
	assert.True(t, res.OpeningBalanceCreated)

	entries := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries?source=import", nil))
	require.Len(t, entries, 3)
	assert.Equal(t, 0, entries[0].VerificationNumber)
	assert.Equal(t, "opening_balance", entries[0].EntryType)
	assert.Equal(t, "Företagskonto", entries[1].Lines[0].AccountName)

	// The same file again imports nothing.
	rec = s.do(t, http.MethodPost, base+"?opening_balance=true", []byte(importFile))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[ImportResultDTO](t, rec)
	assert.Equal(t, 0, res.Imported)
	assert.Len(t, res.Skipped, 2)
	assert.True(t, res.OpeningBalanceExisting)
	assert.Len(t, decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil)), 3)
}

func TestImport_Multipart(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "export.se")
	require.NoError(t, err)
	_, err = fw.Write([]byte(importFile))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/periods/"+p.ID+"/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderWorkspace, s.workspace)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[ImportResultDTO](t, rec).Imported)

	records := decode[[]AuditDTO](t, s.do(t, http.MethodGet, "/api/audit?action=entry_imported", nil))
	require.Len(t, records, 2)
	assert.Equal(t, "export.se", records[0].Provenance["file_name"])
	assert.Equal(t, "anonymous", records[0].ActorID)
}

func TestImport_SelectedVerifications(t *testing.T) {
	// GIVEN: A file with three verifications
	// WHEN: Committing with source_ids=A2
	// THEN: Only A2 is imported; a later commit of A1,A3 adds the rest

	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	base := "/api/periods/" + p.ID + "/import"
	file := importFile + `#VER A 3 20240301 "Hyra"
{
#TRANS 5010 {} 800.00
#TRANS 1930 {} -800.00
}
`

	rec := s.do(t, http.MethodPost, base+"?source_ids=A2", []byte(file))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[ImportResultDTO](t, rec).Imported)

	entries := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "A2", entries[0].SourceID)
	assert.Equal(t, 1, entries[0].VerificationNumber)

	rec = s.do(t, http.MethodPost, base+"?source_ids=A9", []byte(file))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "export.se")
	require.NoError(t, err)
	_, err = fw.Write([]byte(file))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("source_ids", "A1, A3"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, base, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderWorkspace, s.workspace)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[ImportResultDTO](t, rec).Imported)

	entries = decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil))
	assert.Len(t, entries, 3)
}

func TestImport_Rejected(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	base := "/api/periods/" + p.ID + "/import"

	unbalanced := strings.Replace(importFile, "#TRANS 3001 {} -1000.00", "#TRANS 3001 {} -900.00", 1)
	rec := s.do(t, http.MethodPost, base, []byte(unbalanced))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	require.Len(t, errResp.Rejected, 1)
	assert.Equal(t, "A1", errResp.Rejected[0].SourceID)
	assert.Empty(t, decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/entries", nil)))

	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, base+"/preview", []byte("")).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		s.do(t, http.MethodPost, base+"/preview", []byte("#FLAGGA 0\n#SIETYP 4\n")).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		s.do(t, http.MethodPost, base, []byte("#VER A 1 20240101 \"x\"\n{\n#TRANS 1930 {} 1.00\n")).Code)

	s.do(t, http.MethodPost, "/api/periods/"+p.ID+"/lock", nil)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base, []byte(importFile)).Code)
}

func TestExportSIE(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	s.do(t, http.MethodPut, "/api/accounts", []AccountDTO{{Number: 1930, Name: "Företagskonto"}})
	s.createEntry(t, p.ID, saleBody("2024-02-01"))

	rec := s.do(t, http.MethodGet, "/api/periods/"+p.ID+"/export.sie?company_name=Test+AB", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), p.Slug+".se")

	body := rec.Body.String()
	assert.Contains(t, body, "#SIETYP 4\r\n")
	assert.Contains(t, body, `#FNAMN "Test AB"`)
	assert.Contains(t, body, `#VER "A" "1" 20240201 "Faktura 1001"`)
	assert.Contains(t, body, "#TRANS 3001 {} -1000.00")

	// Export then import into a fresh period of another workspace.
	other := newTestServer(t)
	target := other.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	rec = other.do(t, http.MethodPost, "/api/periods/"+target.ID+"/import?upsert_accounts=true", rec.Body.Bytes())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[ImportResultDTO](t, rec).Imported)

	accounts := decode[[]AccountDTO](t, other.do(t, http.MethodGet, "/api/accounts", nil))
	require.NotEmpty(t, accounts)
	assert.Equal(t, "Företagskonto", accounts[0].Name)
}

// =============================================================================
// REPORTS & AUDIT
// =============================================================================

func TestReports(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	s.createEntry(t, p.ID, entryBody("2024-01-01", "Aktiekapital", line(1930, "5000.00", ""), line(2081, "", "5000.00")))
	s.createEntry(t, p.ID, saleBody("2024-02-01"))
	base := "/api/periods/" + p.ID + "/reports"

	balances := decode[[]BalanceDTO](t, s.do(t, http.MethodGet, base+"/balances", nil))
	require.Len(t, balances, 4)
	assert.Equal(t, 1930, balances[0].AccountNumber)
	assert.Equal(t, "6250.00", balances[0].Balance)
	assert.Contains(t, balances[0].Display, "kr")

	liab := decode[[]BalanceDTO](t, s.do(t, http.MethodGet, base+"/balances?from_account=2000&to_account=2999", nil))
	assert.Len(t, liab, 2)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"/balances?from_account=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"/balances?from=2024-03-01&to=2024-02-01", nil).Code)

	rows := decode[[]LedgerRowDTO](t, s.do(t, http.MethodGet, base+"/accounts/1930", nil))
	require.Len(t, rows, 2)
	assert.Equal(t, "6250.00", rows[1].Balance)
	require.NotNil(t, rows[1].Debit)
	assert.Nil(t, rows[1].Credit)

	sheet := decode[report.BalanceSheet](t, s.do(t, http.MethodGet, base+"/balance-sheet", nil))
	assert.True(t, sheet.Balanced)
	assert.True(t, sheet.TotalAssets.Equal(ledger.MustAmount("6250")))

	is := decode[report.IncomeStatement](t, s.do(t, http.MethodGet, base+"/income-statement", nil))
	assert.True(t, is.NetResult.Equal(ledger.MustAmount("1000")))

	vat := decode[report.VATReport](t, s.do(t, http.MethodGet, base+"/vat", nil))
	assert.True(t, vat.Payable.Equal(ledger.MustAmount("250")))
}

func TestQueryAudit(t *testing.T) {
	s := newTestServer(t)
	p := s.createPeriod(t, "2024", "2024-01-01", "2024-12-31")
	e := s.createEntry(t, p.ID, saleBody("2024-02-01"))
	s.do(t, http.MethodDelete, "/api/entries/"+e.ID, nil)

	records := decode[[]AuditDTO](t, s.do(t, http.MethodGet, "/api/audit?entity_id="+e.ID, nil))
	require.Len(t, records, 2)
	assert.Equal(t, "entry_created", records[0].Action)
	assert.Equal(t, "entry_deleted", records[1].Action)
	assert.Equal(t, "alice", records[0].ActorID)
	assert.NotNil(t, records[0].After)
	assert.NotNil(t, records[1].Before)

	limited := decode[[]AuditDTO](t, s.do(t, http.MethodGet, "/api/audit?limit=1", nil))
	assert.Len(t, limited, 1)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/audit?limit=x", nil).Code)

	s.workspace = "ws-2"
	assert.Empty(t, decode[[]AuditDTO](t, s.do(t, http.MethodGet, "/api/audit", nil)))
}
