package sie

import (
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// RECORDS - Closed set of record variants
// =============================================================================
//
// Every line of a file becomes exactly one Record. Labels this package
// understands get their own type; labels that are valid SIE but carry no
// information for the ledger become IgnoredRecord; anything else becomes
// UnknownRecord and produces a warning. The set is closed: only this
// package can add variants.

// Record is one parsed line.
type Record interface {
	LineNumber() int
	isRecord()
}

// at carries the source line of a record.
type at struct {
	Line int
}

func (a at) LineNumber() int { return a.Line }
func (at) isRecord()         {}

// FlagRecord is #FLAGGA.
type FlagRecord struct {
	at
	Flag int
}

// ProgramRecord is #PROGRAM.
type ProgramRecord struct {
	at
	Name    string
	Version string
}

// FormatRecord is #FORMAT ("PC8").
type FormatRecord struct {
	at
	Format string
}

// GenRecord is #GEN.
type GenRecord struct {
	at
	Date ledger.Date
	Sign string
}

// SieTypeRecord is #SIETYP.
type SieTypeRecord struct {
	at
	Type int
}

// CompanyNameRecord is #FNAMN.
type CompanyNameRecord struct {
	at
	Name string
}

// OrgNumberRecord is #ORGNR.
type OrgNumberRecord struct {
	at
	Number string
}

// FiscalYearRecord is #RAR. Index 0 is the current year, -1 the previous.
type FiscalYearRecord struct {
	at
	Index int
	Range ledger.Period
}

// AccountRecord is #KONTO.
type AccountRecord struct {
	at
	Number ledger.AccountNumber
	Name   string
}

// BalanceKind tells opening balances, closing balances and results apart.
type BalanceKind string

const (
	BalanceOpening BalanceKind = "IB"
	BalanceClosing BalanceKind = "UB"
	BalanceResult  BalanceKind = "RES"
)

// BalanceRecord is #IB, #UB or #RES. Amount is positive for debit.
type BalanceRecord struct {
	at
	Kind      BalanceKind
	YearIndex int
	Account   ledger.AccountNumber
	Amount    decimal.Decimal
}

// VerificationRecord is the #VER header; its lines follow in a block.
type VerificationRecord struct {
	at
	Series string
	Number string
	Date   ledger.Date
	Text   string
}

// TransRecord is #TRANS. Amount is positive for debit, negative for credit.
type TransRecord struct {
	at
	Account ledger.AccountNumber
	Objects []string
	Amount  decimal.Decimal
	Date    *ledger.Date
	Text    string
}

// BlockOpen is a line holding only "{".
type BlockOpen struct{ at }

// BlockClose is a line holding only "}".
type BlockClose struct{ at }

// IgnoredRecord is a known label that the ledger does not use.
type IgnoredRecord struct {
	at
	Label string
}

// UnknownRecord is a line this package does not recognise.
type UnknownRecord struct {
	at
	Raw string
}

// ignoredLabels are valid SIE labels without meaning for the ledger.
var ignoredLabels = map[string]bool{
	"ADRESS":   true,
	"BKOD":     true,
	"BTRANS":   true,
	"DIM":      true,
	"FNR":      true,
	"FTYP":     true,
	"KPTYP":    true,
	"KSUMMA":   true,
	"KTYP":     true,
	"ENHET":    true,
	"OBJEKT":   true,
	"OIB":      true,
	"OUB":      true,
	"OMFATTN":  true,
	"PBUDGET":  true,
	"PROSA":    true,
	"PSALDO":   true,
	"RTRANS":   true,
	"SRU":      true,
	"TAXAR":    true,
	"UNDERDIM": true,
	"VALUTA":   true,
}
