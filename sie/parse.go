/*
Package sie reads and writes the Swedish SIE bookkeeping interchange format.

PURPOSE:
  Turns a raw SIE file into verifications, accounts and company metadata
  for the importer, and writes ledger data back as a SIE type 4 file.

PARSE PIPELINE:
  1. Detect the encoding on the raw bytes (decode.go) and decode to UTF-8
  2. Split into lines; tokenize each (tokenize.go)
  3. Map each line to a closed Record variant (records.go)
  4. Assemble #VER headers and their {#TRANS} blocks into Verifications

ERROR MODEL:
  - Unknown labels:             warning, line skipped
  - Bad number, date, account:  per-record error, record skipped
  - Empty input, no records,
    nested or unclosed blocks:  file-level error, Parse fails
  A file that yields zero verifications parses successfully; the importer
  reports ErrNoVerifications.

SEE ALSO:
  - write.go: SIE type 4 writer
  - ../importer: Dedup and commit
*/
package sie

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// File-level parse failures.
var (
	ErrEmptyFile     = errors.New("sie: empty file")
	ErrNoRecords     = errors.New("sie: no records found")
	ErrNestedBlock   = errors.New("sie: nested block")
	ErrUnclosedBlock = errors.New("sie: block not closed")
)

// dateLayout is the SIE date form (YYYYMMDD).
const dateLayout = "20060102"

// Issue is a warning or per-record error tied to a source line.
type Issue struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("line %d: %s", i.Line, i.Message)
}

// Line is one candidate journal-entry line of a verification.
type Line struct {
	AccountNumber ledger.AccountNumber
	AccountName   string
	Debit         decimal.NullDecimal
	Credit        decimal.NullDecimal
	Text          string
}

// Verification is a candidate journal entry read from a file.
type Verification struct {
	SourceID    string // series + number, e.g. "A12"
	Series      string
	Number      string
	Date        ledger.Date
	Description string
	Lines       []Line
	SourceLine  int // line of the #VER header

	// Computed with ledger.CheckBalance.
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	Balanced    bool
	Invalid     string // set when a line violates the one-side rule or failed to parse
}

// LineAmounts returns the lines as balance-validator input.
func (v Verification) LineAmounts() []ledger.LineAmounts {
	out := make([]ledger.LineAmounts, len(v.Lines))
	for i, l := range v.Lines {
		out[i] = ledger.LineAmounts{Debit: l.Debit, Credit: l.Credit}
	}
	return out
}

// computeTotals runs the shared balance validator.
func (v *Verification) computeTotals() {
	res, err := ledger.CheckBalance(v.LineAmounts())
	v.TotalDebit, v.TotalCredit = res.TotalDebit, res.TotalCredit
	v.Balanced = err == nil && res.Balanced
	v.Invalid = ""
	if err != nil {
		v.Invalid = err.Error()
	}
}

// Balance is an #IB/#UB/#RES amount of one account.
type Balance struct {
	Kind      BalanceKind
	YearIndex int
	Account   ledger.AccountNumber
	Amount    decimal.Decimal
}

// Document is the parse result.
type Document struct {
	Encoding    Encoding
	Format      string
	SieType     int
	Program     string
	CompanyName string
	OrgNumber   string

	// FiscalYears is keyed by #RAR index; FiscalYear is index 0 if present.
	FiscalYears map[int]ledger.Period
	FiscalYear  *ledger.Period

	Accounts      []ledger.Account
	Balances      []Balance
	Verifications []Verification
	Records       []Record

	Warnings []Issue
	Errors   []Issue
}

// OpeningBalances returns the #IB records of the current year.
func (d *Document) OpeningBalances() []Balance {
	var out []Balance
	for _, b := range d.Balances {
		if b.Kind == BalanceOpening && b.YearIndex == 0 {
			out = append(out, b)
		}
	}
	return out
}

// =============================================================================
// PARSE
// =============================================================================

// Parse decodes and parses a SIE file.
func Parse(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyFile
	}
	text, enc, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	p := &parser{doc: &Document{Encoding: enc, FiscalYears: map[int]ledger.Period{}}}
	if err := p.run(text); err != nil {
		return nil, err
	}
	return p.doc, nil
}

type parser struct {
	doc     *Document
	names   map[ledger.AccountNumber]string
	pending *Verification // #VER waiting for its block
	damaged []int         // lines of the pending block that failed to parse
	inBlock bool
	openAt  int
	labels  int // lines starting with '#'
}

func (p *parser) warn(line int, format string, args ...any) {
	p.doc.Warnings = append(p.doc.Warnings, Issue{Line: line, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) fail(line int, format string, args ...any) {
	p.doc.Errors = append(p.doc.Errors, Issue{Line: line, Message: fmt.Sprintf(format, args...)})
}

// failInBlock records a per-record error. A failure inside an open
// verification block also taints that verification so it cannot be imported
// with the remaining lines.
func (p *parser) failInBlock(line int, format string, args ...any) {
	p.fail(line, format, args...)
	if p.inBlock && p.pending != nil {
		p.damaged = append(p.damaged, line)
	}
}

func (p *parser) run(text string) error {
	p.names = map[ledger.AccountNumber]string{}
	lines := strings.Split(text, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" {
			continue
		}
		rec, err := p.record(lineNo, line)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		p.doc.Records = append(p.doc.Records, rec)
		if err := p.apply(rec); err != nil {
			return err
		}
	}
	if p.inBlock {
		return fmt.Errorf("%w: opened on line %d", ErrUnclosedBlock, p.openAt)
	}
	p.flushPending()
	if p.labels == 0 {
		return ErrNoRecords
	}

	for i := range p.doc.Verifications {
		v := &p.doc.Verifications[i]
		for j := range v.Lines {
			if v.Lines[j].AccountName == "" {
				v.Lines[j].AccountName = p.names[v.Lines[j].AccountNumber]
			}
		}
	}
	return nil
}

// record maps one non-empty line to a Record. It returns nil for lines that
// failed with a per-record error.
func (p *parser) record(lineNo int, line string) (Record, error) {
	pos := at{Line: lineNo}
	switch line {
	case "{":
		return BlockOpen{pos}, nil
	case "}":
		return BlockClose{pos}, nil
	}
	if !strings.HasPrefix(line, "#") {
		p.warn(lineNo, "unrecognised line skipped: %q", line)
		return UnknownRecord{at: pos, Raw: line}, nil
	}

	p.labels++
	fields, err := tokenize(line)
	if err != nil {
		if errors.Is(err, errNestedList) {
			return nil, fmt.Errorf("%w: line %d", ErrNestedBlock, lineNo)
		}
		p.failInBlock(lineNo, "%v", err)
		return nil, nil
	}
	label := strings.ToUpper(strings.TrimPrefix(fields[0].Text, "#"))
	args := fields[1:]

	rec, err := build(pos, label, args)
	if err != nil {
		p.failInBlock(lineNo, "#%s: %v", label, err)
		return nil, nil
	}
	if u, ok := rec.(UnknownRecord); ok {
		u.Raw = line
		p.warn(lineNo, "unknown record #%s skipped", label)
		return u, nil
	}
	return rec, nil
}

// build constructs the variant for label.
func build(pos at, label string, args []field) (Record, error) {
	switch label {
	case "FLAGGA":
		n, err := intArg(args, 0)
		return FlagRecord{at: pos, Flag: n}, err
	case "PROGRAM":
		return ProgramRecord{at: pos, Name: textArg(args, 0), Version: textArg(args, 1)}, nil
	case "FORMAT":
		return FormatRecord{at: pos, Format: textArg(args, 0)}, nil
	case "GEN":
		d, err := dateArg(args, 0)
		return GenRecord{at: pos, Date: d, Sign: textArg(args, 1)}, err
	case "SIETYP":
		n, err := intArg(args, 0)
		return SieTypeRecord{at: pos, Type: n}, err
	case "FNAMN":
		return CompanyNameRecord{at: pos, Name: textArg(args, 0)}, nil
	case "ORGNR":
		return OrgNumberRecord{at: pos, Number: textArg(args, 0)}, nil
	case "RAR":
		idx, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		start, err := dateArg(args, 1)
		if err != nil {
			return nil, err
		}
		end, err := dateArg(args, 2)
		if err != nil {
			return nil, err
		}
		return FiscalYearRecord{at: pos, Index: idx, Range: ledger.Period{Start: start, End: end}}, nil
	case "KONTO":
		n, err := accountArg(args, 0)
		return AccountRecord{at: pos, Number: n, Name: textArg(args, 1)}, err
	case "IB", "UB", "RES":
		idx, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		acct, err := accountArg(args, 1)
		if err != nil {
			return nil, err
		}
		amt, err := amountArg(args, 2)
		if err != nil {
			return nil, err
		}
		return BalanceRecord{at: pos, Kind: BalanceKind(label), YearIndex: idx, Account: acct, Amount: amt}, nil
	case "VER":
		d, err := dateArg(args, 2)
		if err != nil {
			return nil, err
		}
		return VerificationRecord{at: pos, Series: textArg(args, 0), Number: textArg(args, 1), Date: d, Text: textArg(args, 3)}, nil
	case "TRANS":
		return buildTrans(pos, args)
	}
	if ignoredLabels[label] {
		return IgnoredRecord{at: pos, Label: label}, nil
	}
	return UnknownRecord{at: pos}, nil
}

// buildTrans reads: account {objects} amount [date] [text] [quantity] [sign].
func buildTrans(pos at, args []field) (Record, error) {
	acct, err := accountArg(args, 0)
	if err != nil {
		return nil, err
	}
	rest := args[1:]
	var objects []string
	if len(rest) > 0 && rest[0].IsList {
		objects = rest[0].List
		rest = rest[1:]
	}
	amt, err := amountArg(rest, 0)
	if err != nil {
		return nil, err
	}
	t := TransRecord{at: pos, Account: acct, Objects: objects, Amount: amt, Text: textArg(rest, 2)}
	if s := textArg(rest, 1); s != "" {
		d, err := parseDate(s)
		if err != nil {
			return nil, err
		}
		t.Date = &d
	}
	return t, nil
}

// apply folds a record into the document.
func (p *parser) apply(rec Record) error {
	switch r := rec.(type) {
	case BlockOpen:
		if p.inBlock {
			return fmt.Errorf("%w: line %d", ErrNestedBlock, r.Line)
		}
		p.inBlock, p.openAt = true, r.Line
		if p.pending == nil {
			p.fail(r.Line, "block without #VER")
		}
	case BlockClose:
		if !p.inBlock {
			p.fail(r.Line, "unexpected }")
			return nil
		}
		p.inBlock = false
		p.flushPending()
	case TransRecord:
		if !p.inBlock || p.pending == nil {
			p.fail(r.Line, "#TRANS outside a verification block")
			return nil
		}
		l := Line{AccountNumber: r.Account, Text: r.Text}
		switch {
		case r.Amount.IsPositive():
			l.Debit = ledger.Some(r.Amount)
		case r.Amount.IsNegative():
			l.Credit = ledger.Some(r.Amount.Neg())
		default:
			// Zero rows carry no amount; they would fail the one-side rule.
			p.warn(r.Line, "zero-amount #TRANS skipped")
			return nil
		}
		p.pending.Lines = append(p.pending.Lines, l)
	case VerificationRecord:
		if p.inBlock {
			return fmt.Errorf("%w: #VER on line %d inside a block", ErrNestedBlock, r.Line)
		}
		p.flushPending()
		sourceID := r.Series + r.Number
		if r.Number == "" {
			sourceID = fmt.Sprintf("%s@%d", r.Series, r.Line)
		}
		p.pending = &Verification{
			SourceID:    sourceID,
			Series:      r.Series,
			Number:      r.Number,
			Date:        r.Date,
			Description: r.Text,
			SourceLine:  r.Line,
		}
	case AccountRecord:
		p.names[r.Number] = r.Name
		p.doc.Accounts = append(p.doc.Accounts, ledger.Account{Number: r.Number, Name: r.Name})
	case BalanceRecord:
		p.doc.Balances = append(p.doc.Balances, Balance{Kind: r.Kind, YearIndex: r.YearIndex, Account: r.Account, Amount: r.Amount})
	case FiscalYearRecord:
		p.doc.FiscalYears[r.Index] = r.Range
		if r.Index == 0 {
			rng := r.Range
			p.doc.FiscalYear = &rng
		}
	case CompanyNameRecord:
		p.doc.CompanyName = r.Name
	case OrgNumberRecord:
		p.doc.OrgNumber = r.Number
	case ProgramRecord:
		p.doc.Program = strings.TrimSpace(r.Name + " " + r.Version)
	case FormatRecord:
		p.doc.Format = r.Format
	case SieTypeRecord:
		p.doc.SieType = r.Type
	}
	return nil
}

func (p *parser) flushPending() {
	if p.pending == nil {
		return
	}
	v := *p.pending
	damaged := p.damaged
	p.pending, p.damaged = nil, nil
	v.computeTotals()
	if len(damaged) > 0 {
		v.Balanced = false
		v.Invalid = fmt.Sprintf("unreadable #TRANS on line %s", joinInts(damaged))
	}
	p.doc.Verifications = append(p.doc.Verifications, v)
}

// =============================================================================
// FIELD HELPERS
// =============================================================================

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func textArg(args []field, i int) string {
	if i >= len(args) || args[i].IsList {
		return ""
	}
	return args[i].Text
}

func intArg(args []field, i int) (int, error) {
	s := textArg(args, i)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

func dateArg(args []field, i int) (ledger.Date, error) {
	return parseDate(textArg(args, i))
}

func parseDate(s string) (ledger.Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return ledger.Date{}, fmt.Errorf("invalid date %q", s)
	}
	return ledger.DateOf(t), nil
}

func accountArg(args []field, i int) (ledger.AccountNumber, error) {
	return ledger.ParseAccountNumber(textArg(args, i))
}

func amountArg(args []field, i int) (decimal.Decimal, error) {
	s := textArg(args, i)
	if s == "" {
		return decimal.Zero, fmt.Errorf("missing amount")
	}
	return ledger.ParseAmount(s)
}
