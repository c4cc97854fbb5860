package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/ledger"
)

func newEntryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Inspect journal entries",
	}

	var periodRef string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the entries of a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.period(cmd.Context(), periodRef)
			if err != nil {
				return err
			}
			entries, err := a.journal.List(cmd.Context(), a.wc(), ledger.EntryFilter{PeriodID: p.ID})
			if err != nil {
				return err
			}
			t := newTable("NO", "DATE", "DESCRIPTION", "AMOUNT", "SOURCE").alignRight(0, 3)
			for _, e := range entries {
				debit, _ := e.Totals()
				t.add(fmt.Sprint(e.VerificationNumber), e.EntryDate.String(), e.Description, debit.StringFixed(2), string(e.SourceType))
			}
			return t.render(cmd.OutOrStdout())
		},
	}
	list.Flags().StringVar(&periodRef, "period", "", "period id or slug (required)")
	_ = list.MarkFlagRequired("period")

	cmd.AddCommand(list)
	return cmd
}
