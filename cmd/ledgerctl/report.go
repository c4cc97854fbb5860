package main

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/report"
)

func newReportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print balances and financial statements",
	}

	var periodRef string
	cmd.PersistentFlags().StringVar(&periodRef, "period", "", "period id or slug (required)")
	_ = cmd.MarkPersistentFlagRequired("period")

	scope := func(cmd *cobra.Command) (report.Scope, error) {
		p, err := a.period(cmd.Context(), periodRef)
		if err != nil {
			return report.Scope{}, err
		}
		return report.Scope{PeriodID: p.ID}, nil
	}

	var fromAccount, toAccount int
	balances := &cobra.Command{
		Use:   "balances",
		Short: "Debit and credit turnover per account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope(cmd)
			if err != nil {
				return err
			}
			rng := ledger.AccountRange{From: ledger.AccountNumber(fromAccount), To: ledger.AccountNumber(toAccount)}
			rows, err := report.NewAggregator(a.store).Balances(cmd.Context(), a.wc().WorkspaceID, ledger.BalanceQuery{PeriodID: s.PeriodID, Accounts: &rng})
			if err != nil {
				return err
			}
			t := newTable("ACCOUNT", "NAME", "DEBIT", "CREDIT", "BALANCE").alignRight(2, 3, 4)
			for _, b := range rows {
				t.add(b.AccountNumber.String(), b.AccountName, b.TotalDebit.StringFixed(2), b.TotalCredit.StringFixed(2),
					report.FormatAmount(report.Signed(b), a.cfg.Currency))
			}
			return t.render(cmd.OutOrStdout())
		},
	}
	balances.Flags().IntVar(&fromAccount, "from-account", int(ledger.MinAccountNumber), "first account")
	balances.Flags().IntVar(&toAccount, "to-account", int(ledger.MaxAccountNumber), "last account")

	balanceSheet := &cobra.Command{
		Use:   "balance-sheet",
		Short: "Assets against equity and liabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope(cmd)
			if err != nil {
				return err
			}
			sheet, err := a.reports.BalanceSheet(cmd.Context(), a.wc().WorkspaceID, s)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			t := newTable("", "ACCOUNT", "AMOUNT").alignRight(2)
			a.sections(t, sheet.Assets)
			t.add("Summa tillgångar", "", a.money(sheet.TotalAssets))
			a.sections(t, sheet.EquityAndLiabilities)
			t.add("Årets resultat", "", a.money(sheet.YearResult))
			t.add("Summa eget kapital och skulder", "", a.money(sheet.TotalEquityAndLiab))
			if err := t.render(out); err != nil {
				return err
			}
			return a.unclassified(out, sheet.Unclassified, sheet.Balanced)
		},
	}

	incomeStatement := &cobra.Command{
		Use:   "income-statement",
		Short: "Revenue and costs of the period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope(cmd)
			if err != nil {
				return err
			}
			is, err := a.reports.IncomeStatement(cmd.Context(), a.wc().WorkspaceID, s)
			if err != nil {
				return err
			}
			t := newTable("", "ACCOUNT", "AMOUNT").alignRight(2)
			a.sections(t, is.Sections)
			t.add("Rörelseresultat", "", a.money(is.OperatingResult))
			t.add("Resultat före skatt", "", a.money(is.ResultBeforeTax))
			t.add("Årets resultat", "", a.money(is.NetResult))
			if err := t.render(cmd.OutOrStdout()); err != nil {
				return err
			}
			return a.unclassified(cmd.OutOrStdout(), is.Unclassified, true)
		},
	}

	vat := &cobra.Command{
		Use:   "vat",
		Short: "VAT return boxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope(cmd)
			if err != nil {
				return err
			}
			rep, err := a.reports.VAT(cmd.Context(), a.wc().WorkspaceID, s)
			if err != nil {
				return err
			}
			t := newTable("BOX", "LABEL", "AMOUNT").alignRight(2)
			for _, l := range rep.Boxes {
				t.add(l.Box, l.Label, a.money(l.Amount))
			}
			t.add("", "Moms att betala", a.money(rep.Payable))
			return t.render(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(balances, balanceSheet, incomeStatement, vat)
	return cmd
}

func (a *app) money(d decimal.Decimal) string {
	return report.FormatAmount(d, a.cfg.Currency)
}

func (a *app) sections(t *table, sections []report.SectionTotal) {
	for _, s := range sections {
		if len(s.Rows) == 0 {
			continue
		}
		t.add(s.Label, "", "")
		for _, r := range s.Rows {
			t.add("", r.AccountNumber.String()+" "+r.AccountName, a.money(r.Amount))
		}
		t.add("Summa "+s.Label, "", a.money(s.Total))
	}
}

func (a *app) unclassified(w io.Writer, rows []report.Row, balanced bool) error {
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "warning: account %s %s is not in any report section\n", r.AccountNumber, r.AccountName); err != nil {
			return err
		}
	}
	if !balanced {
		_, err := fmt.Fprintln(w, "warning: balance sheet does not balance")
		return err
	}
	return nil
}
