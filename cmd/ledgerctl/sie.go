package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/importer"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/sie"
)

func newSIECommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sie",
		Short: "Import and export SIE type 4 files",
	}
	cmd.AddCommand(newSIEPreviewCommand(a), newSIEImportCommand(a), newSIEExportCommand(a))
	return cmd
}

func newSIEPreviewCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <file>",
		Short: "Parse a file and list its verifications without importing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := a.importer.Preview(raw, filepath.Base(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s, %s, %d accounts, %d opening balances\n",
				p.FileName, p.CompanyName, p.Encoding, len(p.Accounts), len(p.OpeningBalances))

			t := newTable("ID", "DATE", "DESCRIPTION", "DEBIT", "CREDIT", "STATUS").alignRight(3, 4)
			for _, c := range p.Candidates {
				status := "ok"
				switch {
				case c.Invalid != "":
					status = c.Invalid
				case !c.Balanced:
					status = "unbalanced"
				}
				t.add(c.SourceID, c.Date.String(), c.Description, c.TotalDebit.StringFixed(2), c.TotalCredit.StringFixed(2), status)
			}
			if err := t.render(out); err != nil {
				return err
			}
			for _, issue := range p.Warnings {
				fmt.Fprintln(out, "warning:", issue)
			}
			for _, issue := range p.Errors {
				fmt.Fprintln(out, "error:", issue)
			}
			return nil
		},
	}
}

func newSIEImportCommand(a *app) *cobra.Command {
	var periodRef string
	var only []string
	var upsertAccounts, openingBalance bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import the verifications of a file into a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.period(ctx, periodRef)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			preview, err := a.importer.Preview(raw, name)
			if err != nil {
				return err
			}

			selected, err := preview.Select(only)
			if err != nil {
				return err
			}

			in := importer.CommitInput{
				PeriodID:       p.ID,
				FileName:       name,
				Verifications:  selected,
				UpsertAccounts: upsertAccounts,
				Accounts:       preview.Accounts,
			}
			if openingBalance {
				in.OpeningBalances = preview.OpeningBalances
			}

			res, err := a.importer.Commit(ctx, a.wc(), in)
			var rejected *ledger.UnbalancedVerificationError
			if errors.As(err, &rejected) {
				for _, r := range rejected.Rejected {
					fmt.Fprintf(cmd.ErrOrStderr(), "rejected %s: %s\n", r.SourceID, r.Reason)
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Message)
			for _, s := range res.Skipped {
				fmt.Fprintf(out, "skipped %s: %s\n", s.SourceID, s.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&periodRef, "period", "", "period id or slug (required)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "import only these verifications, e.g. A1,A3 (default all)")
	cmd.Flags().BoolVar(&upsertAccounts, "upsert-accounts", false, "write #KONTO names into the chart of accounts")
	cmd.Flags().BoolVar(&openingBalance, "opening-balance", false, "import #IB 0 as the opening-balance entry")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func newSIEExportCommand(a *app) *cobra.Command {
	var periodRef, output, company, orgNumber string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a period as a SIE type 4 file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.period(ctx, periodRef)
			if err != nil {
				return err
			}
			entries, err := a.journal.List(ctx, a.wc(), ledger.EntryFilter{PeriodID: p.ID})
			if err != nil {
				return err
			}
			chart, err := a.store.ListAccounts(ctx, a.wc().WorkspaceID)
			if err != nil {
				return err
			}

			exp := sie.FromEntries(p, entries, chart)
			exp.Program = "ledgerctl"
			exp.CompanyName = company
			exp.OrgNumber = orgNumber
			exp.Generated = ledger.DateOf(time.Now())

			if output == "" || output == "-" {
				return sie.Write(cmd.OutOrStdout(), exp)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			bw := bufio.NewWriter(f)
			if err := sie.Write(bw, exp); err != nil {
				f.Close()
				return err
			}
			if err := bw.Flush(); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d verifications to %s\n", len(exp.Verifications), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&periodRef, "period", "", "period id or slug (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&company, "company", "", "company name for #FNAMN")
	cmd.Flags().StringVar(&orgNumber, "org-number", "", "organisation number for #ORGNR")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}
