package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/fiscal"
	"github.com/warp/ledger-engine/importer"
	"github.com/warp/ledger-engine/journal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/report"
	"github.com/warp/ledger-engine/store/sqlite"
)

// app carries the services shared by every subcommand. They are built in
// PersistentPreRunE once the global flags are parsed.
type app struct {
	dbPath     string
	configPath string
	workspace  string
	actor      string

	cfg      *config.Config
	store    *sqlite.Store
	logger   *zap.Logger
	periods  *fiscal.Lifecycle
	journal  *journal.Service
	importer *importer.Importer
	reports  *report.Builder
}

func (a *app) wc() ledger.WorkspaceContext {
	return ledger.WorkspaceContext{WorkspaceID: ledger.WorkspaceID(a.workspace), ActorID: ledger.ActorID(a.actor)}
}

func (a *app) open() error {
	a.cfg = config.Default()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	// Diagnostics go to stderr; stdout is for command output.
	logger, err := config.LogConfig{Level: "warn", Format: "console"}.NewLogger()
	if err != nil {
		return err
	}
	a.logger = logger

	store, err := sqlite.New(a.dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	a.store = store

	rec := audit.Direct{Log: store, Logger: logger}
	a.periods = fiscal.NewLifecycle(store, rec, logger)
	a.journal = journal.NewService(store, rec, logger)
	a.importer = importer.New(store, rec, logger)
	a.reports = report.NewBuilder(store, a.cfg.Reports)
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// period resolves a period by id, then by slug.
func (a *app) period(ctx context.Context, ref string) (ledger.FiscalPeriod, error) {
	if ref == "" {
		return ledger.FiscalPeriod{}, errors.New("--period is required")
	}
	p, err := a.periods.Get(ctx, a.wc(), ledger.PeriodID(ref))
	if errors.Is(err, ledger.ErrPeriodNotFound) {
		return a.periods.GetBySlug(ctx, a.wc(), ref)
	}
	return p, err
}

// newRootCommand creates the root CLI command with all subcommands registered.
func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Double-entry ledger administration",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	actor := os.Getenv("USER")
	if actor == "" {
		actor = "ledgerctl"
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.dbPath, "db", "ledger.db", "SQLite database path")
	flags.StringVar(&a.configPath, "config", "", "YAML config file")
	flags.StringVar(&a.workspace, "workspace", "default", "workspace id")
	flags.StringVar(&a.actor, "actor", actor, "actor recorded in the audit log")

	rootCmd.AddCommand(
		newPeriodCommand(a),
		newEntryCommand(a),
		newSIECommand(a),
		newReportCommand(a),
	)
	return rootCmd
}
