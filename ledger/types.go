/*
Package ledger provides the core double-entry bookkeeping model.

PURPOSE:
  This package contains the entity model and the pure rules shared by every
  write path: journal entries and their lines, fiscal periods, annual
  closings, the balance validator and the numbering authority. Persistence
  is abstracted behind the Store interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - WorkspaceContext: explicit (workspace, actor) pair passed to every operation
  - JournalEntry / Line: one balanced transaction ("verifikation") and its rows
  - FiscalPeriod: accounting year, the unit of locking
  - AnnualClosing: the five-stage year-end workflow record

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, stored as integer öre
  2. Balance: sum(debit) == sum(credit) within Epsilon, checked on every write
  3. Scoping: every lookup is keyed by WorkspaceID, never by id alone
  4. Wholesale edits: lines are replaced all-or-nothing, never patched

SEE ALSO:
  - balance.go: Balance validator
  - numbering.go: Verification number authority
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkspaceID string
type ActorID string
type EntryID string
type PeriodID string

// WorkspaceContext identifies the workspace and the acting user of a call.
// It is supplied by the caller's identity layer and passed explicitly.
type WorkspaceContext struct {
	WorkspaceID WorkspaceID
	ActorID     ActorID
}

// =============================================================================
// JOURNAL ENTRY
// =============================================================================

// EntryType tags what kind of business event an entry records.
type EntryType string

const (
	EntryReceipt         EntryType = "receipt"
	EntryIncome          EntryType = "income"
	EntrySupplierInvoice EntryType = "supplier_invoice"
	EntryPayroll         EntryType = "payroll"
	EntryExpenseClaim    EntryType = "expense_claim"
	EntryOpeningBalance  EntryType = "opening_balance"
	EntryOther           EntryType = "other"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryReceipt, EntryIncome, EntrySupplierInvoice, EntryPayroll,
		EntryExpenseClaim, EntryOpeningBalance, EntryOther:
		return true
	}
	return false
}

// SourceType records how an entry came into the ledger.
type SourceType string

const (
	SourceManual  SourceType = "manual"
	SourceImport  SourceType = "import"
	SourcePayroll SourceType = "payroll"
	SourceClosing SourceType = "closing"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceManual, SourceImport, SourcePayroll, SourceClosing:
		return true
	}
	return false
}

// OpeningBalanceNumber is the verification number reserved for the
// opening-balance entry of a period.
const OpeningBalanceNumber = 0

// JournalEntry is one balanced accounting transaction.
type JournalEntry struct {
	ID                 EntryID
	WorkspaceID        WorkspaceID
	FiscalPeriodID     PeriodID
	VerificationNumber int
	EntryDate          Date
	Description        string
	EntryType          EntryType
	SourceType         SourceType

	// Import provenance. Empty for manual entries.
	SourceID   string
	ImportHash string

	Locked bool
	Lines  []Line

	CreatedBy ActorID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Totals returns the debit and credit sums of the entry's lines.
func (e JournalEntry) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range e.Lines {
		debit = debit.Add(ValueOf(l.Debit))
		credit = credit.Add(ValueOf(l.Credit))
	}
	return debit, credit
}

// Line is one row of a journal entry. Exactly one of Debit and Credit is set.
type Line struct {
	ID            string
	AccountNumber AccountNumber
	AccountName   string // copied from the chart when the entry was written
	Debit         decimal.NullDecimal
	Credit        decimal.NullDecimal
	Note          string
	VATCode       string
	SortOrder     int
}

// Amounts returns the line as a balance-validator input.
func (l Line) Amounts() LineAmounts {
	return LineAmounts{Debit: l.Debit, Credit: l.Credit}
}

// DebitLine builds a debit line. Convenience for callers and tests.
func DebitLine(account AccountNumber, name string, amount decimal.Decimal) Line {
	return Line{AccountNumber: account, AccountName: name, Debit: Some(amount)}
}

// CreditLine builds a credit line.
func CreditLine(account AccountNumber, name string, amount decimal.Decimal) Line {
	return Line{AccountNumber: account, AccountName: name, Credit: Some(amount)}
}

// =============================================================================
// FISCAL PERIOD
// =============================================================================

// FiscalPeriod is an accounting year, the unit of locking.
type FiscalPeriod struct {
	ID          PeriodID
	WorkspaceID WorkspaceID
	Label       string
	Slug        string
	Range       Period

	Locked   bool
	LockedAt *time.Time
	LockedBy ActorID

	CreatedAt time.Time
}

// Status is the lifecycle state derived from the lock flag.
func (p FiscalPeriod) Status() PeriodStatus {
	if p.Locked {
		return PeriodLocked
	}
	return PeriodOpen
}

// ClosingDay is the last day of the period, on which closing entries are dated.
func (p FiscalPeriod) ClosingDay() Date {
	return p.Range.End
}

type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "open"
	PeriodLocked PeriodStatus = "locked"
)

// =============================================================================
// ANNUAL CLOSING
// =============================================================================

// ClosingStatus is the stage of the annual closing workflow.
type ClosingStatus string

const (
	ClosingNotStarted             ClosingStatus = "not_started"
	ClosingReconciliationComplete ClosingStatus = "reconciliation_complete"
	ClosingPackageSelected        ClosingStatus = "package_selected"
	ClosingEntriesCreated         ClosingStatus = "closing_entries_created"
	ClosingTaxCalculated          ClosingStatus = "tax_calculated"
	ClosingFinalized              ClosingStatus = "finalized"
)

// closingOrder lists the stages in workflow order.
var closingOrder = []ClosingStatus{
	ClosingNotStarted,
	ClosingReconciliationComplete,
	ClosingPackageSelected,
	ClosingEntriesCreated,
	ClosingTaxCalculated,
	ClosingFinalized,
}

// Rank returns the position of s in the workflow, or -1 if unknown.
func (s ClosingStatus) Rank() int {
	for i, st := range closingOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Previous returns the stage that must be reached before s.
func (s ClosingStatus) Previous() (ClosingStatus, bool) {
	r := s.Rank()
	if r <= 0 {
		return "", false
	}
	return closingOrder[r-1], true
}

// ClosingPackage is the K-regelverk chosen for the annual report.
type ClosingPackage string

const (
	PackageK1 ClosingPackage = "k1"
	PackageK2 ClosingPackage = "k2"
	PackageK3 ClosingPackage = "k3"
	PackageK4 ClosingPackage = "k4"
)

func (p ClosingPackage) Valid() bool {
	switch p {
	case PackageK1, PackageK2, PackageK3, PackageK4:
		return true
	}
	return false
}

// AnnualClosing tracks the year-end procedure of one fiscal period.
type AnnualClosing struct {
	WorkspaceID    WorkspaceID
	FiscalPeriodID PeriodID
	Status         ClosingStatus
	Package        ClosingPackage

	// Set when the closing-entries stage was passed without any entries
	// dated on the closing day.
	NoEntriesAcknowledged bool

	ResultBeforeTax decimal.NullDecimal
	TaxAmount       decimal.NullDecimal
	NetResult       decimal.NullDecimal

	ReconciledAt *time.Time
	FinalizedAt  *time.Time
	UpdatedBy    ActorID
	UpdatedAt    time.Time
}

// NewClosing returns the implicit not-started record for a period.
func NewClosing(ws WorkspaceID, period PeriodID) AnnualClosing {
	return AnnualClosing{WorkspaceID: ws, FiscalPeriodID: period, Status: ClosingNotStarted}
}

// =============================================================================
// AGGREGATES
// =============================================================================

// AccountBalance is the debit and credit turnover of one account.
// It is side-agnostic: report builders apply the normal-side sign.
type AccountBalance struct {
	AccountNumber AccountNumber
	AccountName   string
	TotalDebit    decimal.Decimal
	TotalCredit   decimal.Decimal
}

// Net returns debit minus credit.
func (b AccountBalance) Net() decimal.Decimal {
	return b.TotalDebit.Sub(b.TotalCredit)
}

// AccountLine is one posted line together with its entry header, used for
// per-account listings.
type AccountLine struct {
	EntryID            EntryID
	VerificationNumber int
	EntryDate          Date
	Description        string
	Line               Line
}
