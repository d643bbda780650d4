// Package cmd defines and implements the CLI commands for the jobad-crawler
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/app"
	"github.com/JakeFAU/jobad-crawler/internal/config"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/filter"
	"github.com/JakeFAU/jobad-crawler/internal/harvest"
	"github.com/JakeFAU/jobad-crawler/internal/keyword"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services commands use. Tests swap in their own through
// newApp.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Store() crawler.Store
	Harvester(ctx context.Context) (*harvest.Harvester, error)
	Analyzer() *keyword.Analyzer
	Filters() (*filter.Set, error)
	BlobStore(ctx context.Context, root string) (crawler.BlobStore, error)
	Close(ctx context.Context)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, opts app.Options) (App, error) {
	a, err := app.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var opts app.Options

	cmd := &cobra.Command{
		Use:   "jobad-crawler",
		Short: "Harvests job advertisements from job portals and classifies them.",
		Long: `jobad-crawler harvests job advertisements from configured job portals
into a deduplicating store, matches them against keyword rules and exports
them into a directory tree laid out by the configured filter categories.`,
		SilenceUsage: true,

		// Build the application once the flags are parsed and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// db.path from the config file wins over the flag default.
			if !cmd.Flags().Changed("database") {
				opts.Database = ""
			}
			appInstance, err := newApp(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
				defer cancel()
				appInstance.Close(ctx)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (portals, keywords, filters)")
	flags.StringVarP(&opts.Database, "database", "d", "crawler.db", "SQLite database file")
	flags.StringVarP(&opts.LogLevel, "loglevel", "l", "", "log level (DEBUG, INFO, WARN, ERROR)")

	cmd.AddCommand(
		newHarvestCmd(),
		newCountCmd(),
		newAssemblyCmd(),
		newExportCmd(),
		newAnalyzeCmd(),
		newUpdateCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute runs the root command. Failures have already been printed by cobra.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// resolveApp retrieves the App from the command context.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// rangeFlags are the id-range and batching flags shared by the batch commands.
type rangeFlags struct {
	min, max  int64
	batchSize int
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.min, "min-id", 0, "lowest advertisement id to process (inclusive)")
	cmd.Flags().Int64Var(&f.max, "max-id", 0, "highest advertisement id to process (inclusive, 0 = unbounded)")
	cmd.Flags().IntVarP(&f.batchSize, "batch-size", "b", 100, "advertisements per batch")
}

func (f *rangeFlags) validate() (crawler.Range, error) {
	r := crawler.Range{Min: f.min, Max: f.max}
	switch {
	case f.min < 0 || f.max < 0:
		return r, errors.New("--min-id and --max-id must not be negative")
	case f.max != 0 && f.max < f.min:
		return r, fmt.Errorf("--max-id %d is below --min-id %d", f.max, f.min)
	case f.batchSize <= 0:
		return r, errors.New("--batch-size must be > 0")
	}
	return r, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
