package sie

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// WRITER - SIE type 4 export
// =============================================================================

// DefaultSeries is the verification series used for exported entries.
const DefaultSeries = "A"

// Export is everything written to a SIE type 4 file.
type Export struct {
	Program     string
	Version     string
	Generated   ledger.Date
	CompanyName string
	OrgNumber   string
	FiscalYear  ledger.Period

	Accounts        []ledger.Account
	OpeningBalances []Balance
	Verifications   []Verification
}

// FromEntries builds an export of one period. The opening-balance entry
// (verification number 0) becomes #IB 0 records; every other entry becomes a
// #VER in series A, numbered as in the ledger.
func FromEntries(period ledger.FiscalPeriod, entries []ledger.JournalEntry, chart []ledger.Account) Export {
	exp := Export{FiscalYear: period.Range}

	names := make(map[ledger.AccountNumber]string, len(chart))
	for _, a := range chart {
		names[a.Number] = a.Name
	}

	for _, e := range entries {
		for _, l := range e.Lines {
			if _, ok := names[l.AccountNumber]; !ok {
				names[l.AccountNumber] = l.AccountName
			}
		}

		if e.VerificationNumber == ledger.OpeningBalanceNumber {
			exp.OpeningBalances = append(exp.OpeningBalances, openingBalances(e)...)
			continue
		}

		v := Verification{
			SourceID:    DefaultSeries + strconv.Itoa(e.VerificationNumber),
			Series:      DefaultSeries,
			Number:      strconv.Itoa(e.VerificationNumber),
			Date:        e.EntryDate,
			Description: e.Description,
		}
		for _, l := range e.Lines {
			v.Lines = append(v.Lines, Line{
				AccountNumber: l.AccountNumber,
				AccountName:   l.AccountName,
				Debit:         l.Debit,
				Credit:        l.Credit,
				Text:          l.Note,
			})
		}
		v.computeTotals()
		exp.Verifications = append(exp.Verifications, v)
	}

	for n, name := range names {
		exp.Accounts = append(exp.Accounts, ledger.Account{Number: n, Name: name})
	}
	slices.SortFunc(exp.Accounts, func(a, b ledger.Account) int { return int(a.Number) - int(b.Number) })
	return exp
}

// openingBalances nets the lines of an opening-balance entry per account.
func openingBalances(e ledger.JournalEntry) []Balance {
	sums := map[ledger.AccountNumber]decimal.Decimal{}
	var order []ledger.AccountNumber
	for _, l := range e.Lines {
		if _, ok := sums[l.AccountNumber]; !ok {
			order = append(order, l.AccountNumber)
			sums[l.AccountNumber] = decimal.Zero
		}
		sums[l.AccountNumber] = sums[l.AccountNumber].Add(ledger.ValueOf(l.Debit)).Sub(ledger.ValueOf(l.Credit))
	}
	out := make([]Balance, 0, len(order))
	for _, n := range order {
		out = append(out, Balance{Kind: BalanceOpening, Account: n, Amount: sums[n]})
	}
	return out
}

// Write renders exp as SIE type 4, encoded in CP437 with CRLF line endings.
// Characters outside CP437 are replaced.
func Write(w io.Writer, exp Export) error {
	enc := encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder())
	tw := transform.NewWriter(w, enc)
	bw := bufio.NewWriter(tw)

	program := exp.Program
	if program == "" {
		program = "ledger-engine"
	}
	version := exp.Version
	if version == "" {
		version = "1.0"
	}
	gen := exp.Generated
	if gen.IsZero() {
		gen = exp.FiscalYear.End
	}

	line := func(parts ...string) {
		bw.WriteString(strings.Join(parts, " "))
		bw.WriteString("\r\n")
	}

	line("#FLAGGA", "0")
	line("#PROGRAM", quote(program), quote(version))
	line("#FORMAT", "PC8")
	line("#GEN", sieDate(gen))
	line("#SIETYP", "4")
	if exp.CompanyName != "" {
		line("#FNAMN", quote(exp.CompanyName))
	}
	if exp.OrgNumber != "" {
		line("#ORGNR", exp.OrgNumber)
	}
	if !exp.FiscalYear.Start.IsZero() {
		line("#RAR", "0", sieDate(exp.FiscalYear.Start), sieDate(exp.FiscalYear.End))
	}
	for _, a := range exp.Accounts {
		line("#KONTO", a.Number.String(), quote(a.Name))
	}
	for _, b := range exp.OpeningBalances {
		line("#IB", strconv.Itoa(b.YearIndex), b.Account.String(), b.Amount.StringFixed(2))
	}

	for _, v := range exp.Verifications {
		line("#VER", quote(v.Series), quote(v.Number), sieDate(v.Date), quote(v.Description))
		line("{")
		for _, l := range v.Lines {
			amount := ledger.ValueOf(l.Debit).Sub(ledger.ValueOf(l.Credit))
			parts := []string{"\t#TRANS", l.AccountNumber.String(), "{}", amount.StringFixed(2)}
			if l.Text != "" {
				parts = append(parts, `""`, quote(l.Text))
			}
			line(parts...)
		}
		line("}")
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write sie: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("write sie: %w", err)
	}
	return nil
}

func sieDate(d ledger.Date) string {
	return d.Time.Format(dateLayout)
}
