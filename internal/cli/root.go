// Package cli implements the runbookd command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftctl/runbookd/internal/config"
	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/db/driver"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runbookd",
	Short: "Migration runbook engine",
	Long: `runbookd executes versioned migration runbooks against worker pools.

A runbook declares a data source query that discovers migration candidates,
groups them into time-anchored batches, and runs phases of worker steps
relative to each batch's anchor time.

Quick start:
  runbookd validate moves.yaml     Check a runbook offline
  runbookd publish moves.yaml      Store a new runbook version
  runbookd serve                   Run the scheduler and orchestrator
  runbookd batch status 42         Inspect a batch`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is runbookd.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newRunbooksCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig resolves the effective configuration: the --config file when
// given, runbookd.yaml when it exists, defaults otherwise.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("runbookd.yaml"); err == nil {
			path = "runbookd.yaml"
		}
	}
	return config.Load(path)
}

// newLogger builds the process logger from config, honoring --verbose.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openStore opens and migrates the configured store.
func openStore(cfg *config.Config) (*db.Store, error) {
	dialect, err := driver.ParseDialect(cfg.Store.Dialect)
	if err != nil {
		return nil, err
	}
	store, err := db.OpenWithDialect(cfg.Store.DSN, dialect)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}
