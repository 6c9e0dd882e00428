package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"s3invsync/internal/app"
	"s3invsync/internal/config"
	"s3invsync/internal/syncer"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "s3invsync: error: %v\n", err)
		var uerr *app.UsageError
		if errors.As(err, &uerr) || errors.Is(err, syncer.ErrUnfamiliarOutputDirectory) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		opts       app.Options
	)

	cmd := &cobra.Command{
		Use:     "s3invsync [options] <inventory-base> [<outdir>]",
		Short:   "Back up an S3 bucket, versions and all, from its S3 Inventory",
		Version: version,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return &app.UsageError{Err: fmt.Errorf("expected <inventory-base> [<outdir>], got %d argument(s)", len(args))}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadFromFile(configPath)
			if err != nil {
				return &app.UsageError{Err: err}
			}
			applyConfig(cmd, cfg, &opts)

			opts.InventoryBase = args[0]
			if len(args) > 1 {
				opts.Outdir = args[1]
			}
			return app.Run(context.Background(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Date, "date", "d", "", "back up the snapshot for this date (YYYY-MM-DD or YYYY-MM-DDTHH-MMZ); default: latest")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "J", syncer.DefaultJobs(), "cap on concurrent download jobs")
	cmd.Flags().StringVar(&opts.PathFilter, "path-filter", "", "only process keys matching this regular expression")
	cmd.Flags().IntVar(&opts.CompressFilterMsgs, "compress-filter-msgs", 0, "log every N filter skips instead of each one")
	cmd.Flags().StringVarP(&opts.LogLevel, "log-level", "l", "DEBUG", "log level (ERROR, WARN, INFO, DEBUG, or TRACE)")
	cmd.Flags().BoolVar(&opts.TraceProgress, "trace-progress", false, "emit per-object download progress at TRACE")
	cmd.Flags().BoolVar(&opts.ListDates, "list-dates", false, "print available snapshot timestamps and exit")
	cmd.Flags().StringVar(&opts.OkErrors, "ok-errors", "", "comma list of error kinds to downgrade to warnings (access-denied, invalid-entry, missing-old-version, all)")
	cmd.Flags().BoolVar(&opts.AllowNewNonempty, "allow-new-nonempty", false, "allow backing up into a non-empty directory with no prior state file")
	cmd.Flags().BoolVar(&opts.RequireLastSuccess, "require-last-success", false, "fail unless the previous run completed successfully")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML defaults file")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &app.UsageError{Err: err}
	})

	return cmd
}

// applyConfig fills in defaults from the config file for every flag the
// user did not set explicitly.
func applyConfig(cmd *cobra.Command, cfg *config.Config, opts *app.Options) {
	if cfg.Jobs > 0 && !cmd.Flags().Changed("jobs") {
		opts.Jobs = cfg.Jobs
	}
	if cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		opts.LogLevel = cfg.LogLevel
	}
	if cfg.OkErrors != "" && !cmd.Flags().Changed("ok-errors") {
		opts.OkErrors = cfg.OkErrors
	}
	if cfg.CompressFilterMsgs > 0 && !cmd.Flags().Changed("compress-filter-msgs") {
		opts.CompressFilterMsgs = cfg.CompressFilterMsgs
	}
	if cfg.TraceProgress && !cmd.Flags().Changed("trace-progress") {
		opts.TraceProgress = true
	}
}
