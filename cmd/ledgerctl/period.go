package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/fiscal"
	"github.com/warp/ledger-engine/ledger"
)

func newPeriodCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "period",
		Short: "Manage fiscal periods",
	}
	cmd.AddCommand(newPeriodCreateCommand(a), newPeriodListCommand(a), newPeriodLockCommand(a), newPeriodUnlockCommand(a))
	return cmd
}

func newPeriodCreateCommand(a *app) *cobra.Command {
	var label, slug, start, end string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an open fiscal period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ledger.ParseDate(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			e, err := ledger.ParseDate(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			p, err := a.periods.Create(cmd.Context(), a.wc(), fiscal.CreatePeriodInput{Label: label, Slug: slug, Start: s, End: e})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) %s\n", p.Slug, p.ID, p.Range)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "display label, e.g. 2024 (required)")
	cmd.Flags().StringVar(&slug, "slug", "", "URL slug (derived from the label when empty)")
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD (required)")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newPeriodListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List fiscal periods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			periods, err := a.periods.List(cmd.Context(), a.wc())
			if err != nil {
				return err
			}
			t := newTable("SLUG", "LABEL", "START", "END", "STATUS", "ID")
			for _, p := range periods {
				t.add(p.Slug, p.Label, p.Range.Start.String(), p.Range.End.String(), string(p.Status()), string(p.ID))
			}
			return t.render(cmd.OutOrStdout())
		},
	}
}

func newPeriodLockCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <period>",
		Short: "Lock a fiscal period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.period(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := a.periods.Lock(cmd.Context(), a.wc(), p.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", p.Slug)
			return nil
		},
	}
}

func newPeriodUnlockCommand(a *app) *cobra.Command {
	var ack bool

	cmd := &cobra.Command{
		Use:   "unlock <period>",
		Short: "Reopen a locked fiscal period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.period(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := a.periods.Unlock(cmd.Context(), a.wc(), p.ID, ack)
			var pre *ledger.PreconditionError
			if errors.As(err, &pre) {
				return fmt.Errorf("%s (rerun with --acknowledge-finalized)", pre.Message)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", p.Slug)
			if res.ClosingReverted {
				fmt.Fprintf(cmd.OutOrStdout(), "annual closing reverted to %s\n", ledger.ClosingTaxCalculated)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ack, "acknowledge-finalized", false, "reopen a year with a finalized annual closing")
	return cmd
}
