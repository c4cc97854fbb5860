/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types so storage fields can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Requests accept amounts as JSON strings or numbers ("100.50" or 100.50);
  they are parsed into decimals, never floats. Responses always render
  amounts as strings with two decimals.

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/fiscal"
	"github.com/warp/ledger-engine/importer"
	"github.com/warp/ledger-engine/journal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/sie"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Soft preconditions: the flag that lets the caller proceed.
	Code        string `json:"code,omitempty"`
	Acknowledge string `json:"acknowledge,omitempty"`

	// Import rejections.
	Rejected []RejectedDTO `json:"rejected,omitempty"`
}

// RejectedDTO is one verification rejected by the balance validator.
type RejectedDTO struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// =============================================================================
// ENTRIES
// =============================================================================

// LineDTO is one line of an entry, in requests and responses.
type LineDTO struct {
	ID            string              `json:"id,omitempty"`
	AccountNumber int                 `json:"account_number"`
	AccountName   string              `json:"account_name,omitempty"`
	Debit         decimal.NullDecimal `json:"debit"`
	Credit        decimal.NullDecimal `json:"credit"`
	Note          string              `json:"note,omitempty"`
	VATCode       string              `json:"vat_code,omitempty"`
}

// EntryDTO is a journal entry in API responses.
type EntryDTO struct {
	ID                 string      `json:"id"`
	PeriodID           string      `json:"fiscal_period_id"`
	VerificationNumber int         `json:"verification_number"`
	EntryDate          ledger.Date `json:"entry_date"`
	Description        string      `json:"description"`
	EntryType          string      `json:"entry_type"`
	SourceType         string      `json:"source_type"`
	SourceID           string      `json:"source_id,omitempty"`
	Locked             bool        `json:"locked"`
	TotalDebit         string      `json:"total_debit"`
	TotalCredit        string      `json:"total_credit"`
	Lines              []LineDTO   `json:"lines"`
	CreatedBy          string      `json:"created_by,omitempty"`
	CreatedAt          string      `json:"created_at"`
	UpdatedAt          string      `json:"updated_at"`
}

// EntryRequest creates or replaces an entry.
type EntryRequest struct {
	EntryDate   ledger.Date `json:"entry_date"`
	Description string      `json:"description"`
	EntryType   string      `json:"entry_type"`
	Lines       []LineDTO   `json:"lines"`
}

func (req EntryRequest) lines() []journal.LineInput {
	out := make([]journal.LineInput, len(req.Lines))
	for i, l := range req.Lines {
		out[i] = journal.LineInput{
			AccountNumber: ledger.AccountNumber(l.AccountNumber),
			AccountName:   l.AccountName,
			Debit:         l.Debit,
			Credit:        l.Credit,
			Note:          l.Note,
			VATCode:       l.VATCode,
		}
	}
	return out
}

// fixed renders a line side with two decimals; null stays null.
func fixed(n decimal.NullDecimal) decimal.NullDecimal {
	if !n.Valid {
		return n
	}
	return decimal.NullDecimal{Decimal: n.Decimal.Round(2), Valid: true}
}

func toEntryDTO(e ledger.JournalEntry) EntryDTO {
	debit, credit := e.Totals()
	dto := EntryDTO{
		ID:                 string(e.ID),
		PeriodID:           string(e.FiscalPeriodID),
		VerificationNumber: e.VerificationNumber,
		EntryDate:          e.EntryDate,
		Description:        e.Description,
		EntryType:          string(e.EntryType),
		SourceType:         string(e.SourceType),
		SourceID:           e.SourceID,
		Locked:             e.Locked,
		TotalDebit:         debit.StringFixed(2),
		TotalCredit:        credit.StringFixed(2),
		Lines:              make([]LineDTO, len(e.Lines)),
		CreatedBy:          string(e.CreatedBy),
		CreatedAt:          e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          e.UpdatedAt.Format(time.RFC3339),
	}
	for i, l := range e.Lines {
		dto.Lines[i] = LineDTO{
			ID:            l.ID,
			AccountNumber: int(l.AccountNumber),
			AccountName:   l.AccountName,
			Debit:         fixed(l.Debit),
			Credit:        fixed(l.Credit),
			Note:          l.Note,
			VATCode:       l.VATCode,
		}
	}
	return dto
}

// LockEntryRequest toggles an entry's own lock.
type LockEntryRequest struct {
	Locked bool `json:"locked"`
}

// =============================================================================
// PERIODS & CLOSING
// =============================================================================

// PeriodDTO is a fiscal period in API responses.
type PeriodDTO struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Slug      string      `json:"slug"`
	StartDate ledger.Date `json:"start_date"`
	EndDate   ledger.Date `json:"end_date"`
	Status    string      `json:"status"`
	LockedAt  string      `json:"locked_at,omitempty"`
	LockedBy  string      `json:"locked_by,omitempty"`
}

func toPeriodDTO(p ledger.FiscalPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:        string(p.ID),
		Label:     p.Label,
		Slug:      p.Slug,
		StartDate: p.Range.Start,
		EndDate:   p.Range.End,
		Status:    string(p.Status()),
		LockedBy:  string(p.LockedBy),
	}
	if p.LockedAt != nil {
		dto.LockedAt = p.LockedAt.Format(time.RFC3339)
	}
	return dto
}

// CreatePeriodRequest creates a fiscal period.
type CreatePeriodRequest struct {
	Label     string      `json:"label"`
	Slug      string      `json:"slug,omitempty"`
	StartDate ledger.Date `json:"start_date"`
	EndDate   ledger.Date `json:"end_date"`
}

func (req CreatePeriodRequest) input() fiscal.CreatePeriodInput {
	return fiscal.CreatePeriodInput{Label: req.Label, Slug: req.Slug, Start: req.StartDate, End: req.EndDate}
}

// UnlockRequest unlocks a period.
type UnlockRequest struct {
	AcknowledgeFinalized bool `json:"acknowledge_finalized"`
}

// UnlockDTO is the unlock response.
type UnlockDTO struct {
	Period          PeriodDTO `json:"period"`
	ClosingReverted bool      `json:"closing_reverted"`
}

// ClosingDTO is an annual closing in API responses.
type ClosingDTO struct {
	PeriodID              string  `json:"fiscal_period_id"`
	Status                string  `json:"status"`
	Package               string  `json:"package,omitempty"`
	NoEntriesAcknowledged bool    `json:"no_entries_acknowledged"`
	ResultBeforeTax       *string `json:"result_before_tax"`
	TaxAmount             *string `json:"tax_amount"`
	NetResult             *string `json:"net_result"`
	ReconciledAt          string  `json:"reconciled_at,omitempty"`
	FinalizedAt           string  `json:"finalized_at,omitempty"`
	UpdatedBy             string  `json:"updated_by,omitempty"`
}

func amountPtr(n decimal.NullDecimal) *string {
	if !n.Valid {
		return nil
	}
	s := n.Decimal.StringFixed(2)
	return &s
}

func toClosingDTO(c ledger.AnnualClosing) ClosingDTO {
	dto := ClosingDTO{
		PeriodID:              string(c.FiscalPeriodID),
		Status:                string(c.Status),
		Package:               string(c.Package),
		NoEntriesAcknowledged: c.NoEntriesAcknowledged,
		ResultBeforeTax:       amountPtr(c.ResultBeforeTax),
		TaxAmount:             amountPtr(c.TaxAmount),
		NetResult:             amountPtr(c.NetResult),
		UpdatedBy:             string(c.UpdatedBy),
	}
	if c.ReconciledAt != nil {
		dto.ReconciledAt = c.ReconciledAt.Format(time.RFC3339)
	}
	if c.FinalizedAt != nil {
		dto.FinalizedAt = c.FinalizedAt.Format(time.RFC3339)
	}
	return dto
}

// SelectPackageRequest picks the closing package (k1..k4).
type SelectPackageRequest struct {
	Package string `json:"package"`
}

// ClosingEntriesRequest confirms the closing-entries stage.
type ClosingEntriesRequest struct {
	AcknowledgeNoEntries bool `json:"acknowledge_no_entries"`
}

// TaxRequest saves the tax figure.
type TaxRequest struct {
	TaxAmount decimal.Decimal `json:"tax_amount"`
}

// =============================================================================
// IMPORT
// =============================================================================

// VerificationDTO is a parsed verification in a preview.
type VerificationDTO struct {
	SourceID    string      `json:"source_id"`
	Date        ledger.Date `json:"date"`
	Description string      `json:"description"`
	Lines       []LineDTO   `json:"lines"`
	TotalDebit  string      `json:"total_debit"`
	TotalCredit string      `json:"total_credit"`
	Balanced    bool        `json:"balanced"`
	Invalid     string      `json:"invalid,omitempty"`
	Hash        string      `json:"hash"`
}

// RangeDTO is an inclusive date range.
type RangeDTO struct {
	StartDate ledger.Date `json:"start_date"`
	EndDate   ledger.Date `json:"end_date"`
}

// PreviewDTO is the import preview.
type PreviewDTO struct {
	FileName        string            `json:"file_name"`
	Encoding        string            `json:"encoding"`
	Program         string            `json:"program,omitempty"`
	CompanyName     string            `json:"company_name,omitempty"`
	OrgNumber       string            `json:"org_number,omitempty"`
	FiscalYear      *RangeDTO         `json:"fiscal_year,omitempty"`
	Accounts        int               `json:"accounts"`
	OpeningBalances int               `json:"opening_balances"`
	Unbalanced      int               `json:"unbalanced"`
	Verifications   []VerificationDTO `json:"verifications"`
	Warnings        []sie.Issue       `json:"warnings"`
	Errors          []sie.Issue       `json:"errors"`
}

func toPreviewDTO(p *importer.Preview) PreviewDTO {
	dto := PreviewDTO{
		FileName:        p.FileName,
		Encoding:        string(p.Encoding),
		Program:         p.Program,
		CompanyName:     p.CompanyName,
		OrgNumber:       p.OrgNumber,
		Accounts:        len(p.Accounts),
		OpeningBalances: len(p.OpeningBalances),
		Unbalanced:      p.Unbalanced,
		Verifications:   make([]VerificationDTO, len(p.Candidates)),
		Warnings:        append([]sie.Issue{}, p.Warnings...),
		Errors:          append([]sie.Issue{}, p.Errors...),
	}
	if p.FiscalYear != nil {
		dto.FiscalYear = &RangeDTO{StartDate: p.FiscalYear.Start, EndDate: p.FiscalYear.End}
	}
	for i, c := range p.Candidates {
		v := VerificationDTO{
			SourceID:    c.SourceID,
			Date:        c.Date,
			Description: c.Description,
			Lines:       make([]LineDTO, len(c.Lines)),
			TotalDebit:  c.TotalDebit.StringFixed(2),
			TotalCredit: c.TotalCredit.StringFixed(2),
			Balanced:    c.Balanced,
			Invalid:     c.Invalid,
			Hash:        c.Hash,
		}
		for j, l := range c.Lines {
			v.Lines[j] = LineDTO{
				AccountNumber: int(l.AccountNumber),
				AccountName:   l.AccountName,
				Debit:         fixed(l.Debit),
				Credit:        fixed(l.Credit),
				Note:          l.Text,
			}
		}
		dto.Verifications[i] = v
	}
	return dto
}

// ImportResultDTO is the commit response.
type ImportResultDTO struct {
	Imported               int           `json:"imported"`
	Skipped                []RejectedDTO `json:"skipped"`
	OutsidePeriod          []string      `json:"outside_period"`
	AccountsUpserted       int           `json:"accounts_upserted"`
	OpeningBalanceCreated  bool          `json:"opening_balance_created"`
	OpeningBalanceExisting bool          `json:"opening_balance_existing"`
	Message                string        `json:"message"`
}

func toImportResultDTO(res *importer.Result) ImportResultDTO {
	dto := ImportResultDTO{
		Imported:               res.Imported,
		Skipped:                make([]RejectedDTO, len(res.Skipped)),
		OutsidePeriod:          append([]string{}, res.OutsidePeriod...),
		AccountsUpserted:       res.AccountsUpserted,
		OpeningBalanceCreated:  res.OpeningBalanceCreated,
		OpeningBalanceExisting: res.OpeningBalanceExisting,
		Message:                res.Message,
	}
	for i, s := range res.Skipped {
		dto.Skipped[i] = RejectedDTO{SourceID: s.SourceID, Reason: s.Reason}
	}
	return dto
}

// =============================================================================
// ACCOUNTS, BALANCES & AUDIT
// =============================================================================

// AccountDTO is a chart account.
type AccountDTO struct {
	Number     int    `json:"number"`
	Name       string `json:"name"`
	NormalSide string `json:"normal_side,omitempty"`
}

// BalanceDTO is the turnover of one account.
type BalanceDTO struct {
	AccountNumber int    `json:"account_number"`
	AccountName   string `json:"account_name"`
	TotalDebit    string `json:"total_debit"`
	TotalCredit   string `json:"total_credit"`
	Balance       string `json:"balance"` // on the account's normal side
	Display       string `json:"display"`
}

// LedgerRowDTO is one line in an account listing.
type LedgerRowDTO struct {
	EntryID            string      `json:"entry_id"`
	VerificationNumber int         `json:"verification_number"`
	EntryDate          ledger.Date `json:"entry_date"`
	Description        string      `json:"description"`
	Debit              *string     `json:"debit"`
	Credit             *string     `json:"credit"`
	Balance            string      `json:"balance"`
}

// AuditDTO is one audit record.
type AuditDTO struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Before     any               `json:"before,omitempty"`
	After      any               `json:"after,omitempty"`
	Provenance map[string]string `json:"provenance,omitempty"`
}

func toAuditDTO(r ledger.AuditRecord) AuditDTO {
	dto := AuditDTO{
		ID:         r.ID,
		Timestamp:  r.Timestamp.Format(time.RFC3339Nano),
		ActorID:    string(r.ActorID),
		Action:     string(r.Action),
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Provenance: r.Provenance,
	}
	if len(r.Before) > 0 {
		dto.Before = r.Before
	}
	if len(r.After) > 0 {
		dto.After = r.After
	}
	return dto
}
