package report

import (
	"context"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// LAYOUT - Account classification tables, loaded from configuration
// =============================================================================

// Section groups account ranges under one report heading.
type Section struct {
	Key      string                `yaml:"key" json:"key"`
	Label    string                `yaml:"label" json:"label"`
	Accounts []ledger.AccountRange `yaml:"accounts" json:"accounts"`
}

// Contains reports whether the section covers the account.
func (s Section) Contains(n ledger.AccountNumber) bool {
	for _, r := range s.Accounts {
		if r.Contains(n) {
			return true
		}
	}
	return false
}

// VATKind tells how a VAT box enters the amount payable.
type VATKind string

const (
	VATBase   VATKind = "base"   // taxable turnover, informational
	VATOutput VATKind = "output" // adds to the amount payable
	VATInput  VATKind = "input"  // deducted from the amount payable
)

// VATBox is one box of the VAT return.
type VATBox struct {
	Box      string                `yaml:"box" json:"box"`
	Label    string                `yaml:"label" json:"label"`
	Kind     VATKind               `yaml:"kind" json:"kind"`
	Side     ledger.Side           `yaml:"side" json:"side"` // side the amount is expressed on
	Accounts []ledger.AccountRange `yaml:"accounts" json:"accounts"`
}

// Layout holds every classification table the builders use.
type Layout struct {
	Assets               []Section `yaml:"assets" json:"assets"`
	EquityAndLiabilities []Section `yaml:"equity_and_liabilities" json:"equity_and_liabilities"`
	IncomeStatement      []Section `yaml:"income_statement" json:"income_statement"`
	VAT                  []VATBox  `yaml:"vat" json:"vat"`
}

func rng(from, to ledger.AccountNumber) []ledger.AccountRange {
	return []ledger.AccountRange{{From: from, To: to}}
}

// DefaultLayout follows the BAS chart for a small Swedish company.
func DefaultLayout() Layout {
	return Layout{
		Assets: []Section{
			{Key: "intangible_assets", Label: "Immateriella anläggningstillgångar", Accounts: rng(1000, 1099)},
			{Key: "tangible_assets", Label: "Materiella anläggningstillgångar", Accounts: rng(1100, 1299)},
			{Key: "financial_assets", Label: "Finansiella anläggningstillgångar", Accounts: rng(1300, 1399)},
			{Key: "inventory", Label: "Varulager", Accounts: rng(1400, 1499)},
			{Key: "receivables", Label: "Kortfristiga fordringar", Accounts: rng(1500, 1799)},
			{Key: "short_term_investments", Label: "Kortfristiga placeringar", Accounts: rng(1800, 1899)},
			{Key: "cash", Label: "Kassa och bank", Accounts: rng(1900, 1999)},
		},
		EquityAndLiabilities: []Section{
			{Key: "equity", Label: "Eget kapital", Accounts: rng(2000, 2099)},
			{Key: "untaxed_reserves", Label: "Obeskattade reserver", Accounts: rng(2100, 2199)},
			{Key: "provisions", Label: "Avsättningar", Accounts: rng(2200, 2299)},
			{Key: "long_term_liabilities", Label: "Långfristiga skulder", Accounts: rng(2300, 2399)},
			{Key: "short_term_liabilities", Label: "Kortfristiga skulder", Accounts: rng(2400, 2999)},
		},
		IncomeStatement: []Section{
			{Key: "net_sales", Label: "Nettoomsättning", Accounts: rng(3000, 3799)},
			{Key: "other_operating_income", Label: "Övriga rörelseintäkter", Accounts: rng(3800, 3999)},
			{Key: "goods", Label: "Råvaror och förnödenheter", Accounts: rng(4000, 4999)},
			{Key: "other_external_expenses", Label: "Övriga externa kostnader", Accounts: rng(5000, 6999)},
			{Key: "personnel", Label: "Personalkostnader", Accounts: rng(7000, 7699)},
			{Key: "depreciation", Label: "Av- och nedskrivningar", Accounts: rng(7700, 7899)},
			{Key: "other_operating_expenses", Label: "Övriga rörelsekostnader", Accounts: rng(7900, 7999)},
			{Key: "financial_items", Label: "Finansiella poster", Accounts: rng(8000, 8799)},
			{Key: "appropriations", Label: "Bokslutsdispositioner", Accounts: rng(8800, 8899)},
			{Key: "tax", Label: "Skatt på årets resultat", Accounts: rng(8900, 8999)},
		},
		VAT: []VATBox{
			{Box: "05", Label: "Momspliktig försäljning", Kind: VATBase, Side: ledger.SideCredit, Accounts: rng(3000, 3499)},
			{Box: "10", Label: "Utgående moms 25 %", Kind: VATOutput, Side: ledger.SideCredit, Accounts: rng(2610, 2619)},
			{Box: "11", Label: "Utgående moms 12 %", Kind: VATOutput, Side: ledger.SideCredit, Accounts: rng(2620, 2629)},
			{Box: "12", Label: "Utgående moms 6 %", Kind: VATOutput, Side: ledger.SideCredit, Accounts: rng(2630, 2639)},
			{Box: "48", Label: "Ingående moms att dra av", Kind: VATInput, Side: ledger.SideDebit, Accounts: rng(2640, 2649)},
		},
	}
}

// =============================================================================
// REPORT TYPES
// =============================================================================

// Row is one account on a report, signed for the report it is on.
type Row struct {
	AccountNumber ledger.AccountNumber `json:"account_number"`
	AccountName   string               `json:"account_name"`
	Amount        decimal.Decimal      `json:"amount"`
}

// SectionTotal is a section with its rows and their sum.
type SectionTotal struct {
	Key   string          `json:"key"`
	Label string          `json:"label"`
	Rows  []Row           `json:"rows"`
	Total decimal.Decimal `json:"total"`
}

// BalanceSheet amounts are on the normal side of each account.
type BalanceSheet struct {
	Assets               []SectionTotal  `json:"assets"`
	EquityAndLiabilities []SectionTotal  `json:"equity_and_liabilities"`
	Unclassified         []Row           `json:"unclassified,omitempty"`
	YearResult           decimal.Decimal `json:"year_result"` // not yet booked to equity
	TotalAssets          decimal.Decimal `json:"total_assets"`
	TotalEquityAndLiab   decimal.Decimal `json:"total_equity_and_liabilities"`
	Balanced             bool            `json:"balanced"`
}

// IncomeStatement amounts are credit minus debit: income is positive and
// costs are negative, so the sections add up to the result.
type IncomeStatement struct {
	Sections        []SectionTotal  `json:"sections"`
	Unclassified    []Row           `json:"unclassified,omitempty"`
	OperatingResult decimal.Decimal `json:"operating_result"`
	ResultBeforeTax decimal.Decimal `json:"result_before_tax"`
	NetResult       decimal.Decimal `json:"net_result"`
}

// VATLine is one box of a VAT report.
type VATLine struct {
	Box    string          `json:"box"`
	Label  string          `json:"label"`
	Kind   VATKind         `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// VATReport lists the boxes and the amount payable (negative: refund).
type VATReport struct {
	Boxes   []VATLine       `json:"boxes"`
	Payable decimal.Decimal `json:"payable"`
}

// =============================================================================
// BUILDERS
// =============================================================================

// Builder turns aggregator output into reports using a Layout.
type Builder struct {
	agg    *Aggregator
	layout Layout
}

func NewBuilder(store ledger.BalanceStore, layout Layout) *Builder {
	return &Builder{agg: NewAggregator(store), layout: layout}
}

// Scope limits a report to a period and optionally a date range.
type Scope struct {
	PeriodID ledger.PeriodID
	Dates    *ledger.Period
}

func (b *Builder) balances(ctx context.Context, ws ledger.WorkspaceID, s Scope, r ledger.AccountRange) ([]ledger.AccountBalance, error) {
	return b.agg.Balances(ctx, ws, ledger.BalanceQuery{PeriodID: s.PeriodID, Accounts: &r, Dates: s.Dates})
}

// BalanceSheet classifies accounts 1000-2999. The year's result is shown
// separately so the sheet balances before closing entries are booked.
func (b *Builder) BalanceSheet(ctx context.Context, ws ledger.WorkspaceID, s Scope) (*BalanceSheet, error) {
	balances, err := b.balances(ctx, ws, s, ledger.AccountRange{From: 1000, To: 2999})
	if err != nil {
		return nil, err
	}
	result, err := b.balances(ctx, ws, s, ledger.AccountRange{From: 3000, To: 8999})
	if err != nil {
		return nil, err
	}

	sheet := &BalanceSheet{YearResult: decimal.Zero}
	var rest []ledger.AccountBalance
	sheet.Assets, rest = classify(b.layout.Assets, balances, Signed)
	sheet.EquityAndLiabilities, rest = classify(b.layout.EquityAndLiabilities, rest, Signed)
	for _, bal := range rest {
		sheet.Unclassified = append(sheet.Unclassified, Row{AccountNumber: bal.AccountNumber, AccountName: bal.AccountName, Amount: Signed(bal)})
	}
	for _, bal := range result {
		sheet.YearResult = sheet.YearResult.Add(resultSign(bal))
	}

	sheet.TotalAssets = sumSections(sheet.Assets)
	sheet.TotalEquityAndLiab = sumSections(sheet.EquityAndLiabilities).Add(sheet.YearResult)
	sheet.Balanced = ledger.WithinEpsilon(sheet.TotalAssets, sheet.TotalEquityAndLiab) && len(sheet.Unclassified) == 0
	return sheet, nil
}

// IncomeStatement classifies accounts 3000-8999.
func (b *Builder) IncomeStatement(ctx context.Context, ws ledger.WorkspaceID, s Scope) (*IncomeStatement, error) {
	balances, err := b.balances(ctx, ws, s, ledger.AccountRange{From: 3000, To: 8999})
	if err != nil {
		return nil, err
	}

	is := &IncomeStatement{OperatingResult: decimal.Zero, ResultBeforeTax: decimal.Zero, NetResult: decimal.Zero}
	var rest []ledger.AccountBalance
	is.Sections, rest = classify(b.layout.IncomeStatement, balances, resultSign)
	for _, bal := range rest {
		is.Unclassified = append(is.Unclassified, Row{AccountNumber: bal.AccountNumber, AccountName: bal.AccountName, Amount: resultSign(bal)})
	}

	for _, bal := range balances {
		amount := resultSign(bal)
		is.NetResult = is.NetResult.Add(amount)
		if bal.AccountNumber < 8000 {
			is.OperatingResult = is.OperatingResult.Add(amount)
		}
		if ResultAccounts.Contains(bal.AccountNumber) {
			is.ResultBeforeTax = is.ResultBeforeTax.Add(amount)
		}
	}
	return is, nil
}

// VAT fills the configured boxes.
func (b *Builder) VAT(ctx context.Context, ws ledger.WorkspaceID, s Scope) (*VATReport, error) {
	balances, err := b.agg.Balances(ctx, ws, ledger.BalanceQuery{PeriodID: s.PeriodID, Dates: s.Dates})
	if err != nil {
		return nil, err
	}

	rep := &VATReport{Payable: decimal.Zero}
	for _, box := range b.layout.VAT {
		line := VATLine{Box: box.Box, Label: box.Label, Kind: box.Kind, Amount: decimal.Zero}
		for _, bal := range balances {
			if !(Section{Accounts: box.Accounts}).Contains(bal.AccountNumber) {
				continue
			}
			if box.Side == ledger.SideDebit {
				line.Amount = line.Amount.Add(bal.Net())
			} else {
				line.Amount = line.Amount.Sub(bal.Net())
			}
		}
		switch box.Kind {
		case VATOutput:
			rep.Payable = rep.Payable.Add(line.Amount)
		case VATInput:
			rep.Payable = rep.Payable.Sub(line.Amount)
		}
		rep.Boxes = append(rep.Boxes, line)
	}
	return rep, nil
}

// classify assigns each balance to the first section that contains it.
// Balances no section claims are returned in order.
func classify(sections []Section, balances []ledger.AccountBalance, sign func(ledger.AccountBalance) decimal.Decimal) ([]SectionTotal, []ledger.AccountBalance) {
	out := make([]SectionTotal, len(sections))
	for i, s := range sections {
		out[i] = SectionTotal{Key: s.Key, Label: s.Label, Rows: []Row{}, Total: decimal.Zero}
	}
	var rest []ledger.AccountBalance
	for _, bal := range balances {
		i := slices.IndexFunc(sections, func(s Section) bool { return s.Contains(bal.AccountNumber) })
		if i < 0 {
			rest = append(rest, bal)
			continue
		}
		amount := sign(bal)
		out[i].Rows = append(out[i].Rows, Row{AccountNumber: bal.AccountNumber, AccountName: bal.AccountName, Amount: amount})
		out[i].Total = out[i].Total.Add(amount)
	}
	return out, rest
}

func sumSections(sections []SectionTotal) decimal.Decimal {
	total := decimal.Zero
	for _, s := range sections {
		total = total.Add(s.Total)
	}
	return total
}

func resultSign(b ledger.AccountBalance) decimal.Decimal {
	return b.TotalCredit.Sub(b.TotalDebit)
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatAmount renders d in the currency's display convention, e.g.
// "1 234,50 kr" for SEK. Amounts are rounded to the currency's minor unit.
func FormatAmount(d decimal.Decimal, currency string) string {
	cur := *money.New(0, currency).Currency()
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
