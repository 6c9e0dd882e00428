// Package app wires the CLI to the sync engine: it builds the logger and
// the S3 client from options, selects the snapshot, runs the state-file
// protocol around the syncer, and maps signals to cancellation.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"s3invsync/internal/inventory"
	"s3invsync/internal/logging"
	"s3invsync/internal/s3"
	"s3invsync/internal/syncer"
)

// ErrInterrupted marks a run cut short by an interrupt or terminate signal.
var ErrInterrupted = errors.New("shut down due to termination signal")

// UsageError is a pre-flight mistake: bad arguments rather than a failed
// run. The CLI maps it to its own exit code.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Options carries the resolved CLI surface.
type Options struct {
	InventoryBase      string
	Outdir             string
	Date               string
	Jobs               int
	PathFilter         string
	CompressFilterMsgs int
	LogLevel           string
	TraceProgress      bool
	ListDates          bool
	OkErrors           string
	AllowNewNonempty   bool
	RequireLastSuccess bool
}

// Run executes one invocation of the tool.
func Run(ctx context.Context, opts Options) error {
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return usagef("%w", err)
	}
	runID := uuid.NewString()[:8]
	logger := logging.NewLogger(os.Stderr, level, runID)

	base, err := s3.ParseLocation(opts.InventoryBase)
	if err != nil {
		return usagef("invalid inventory base: %w", err)
	}
	if base.Key == "" || !strings.HasSuffix(base.Key, "/") {
		return usagef("inventory base %q must be of the form s3://{bucket}/{prefix}/", opts.InventoryBase)
	}
	if opts.Outdir == "" && !opts.ListDates {
		return usagef("an output directory is required unless --list-dates is set")
	}

	var dateSpec inventory.DateSpec
	if opts.Date != "" {
		dateSpec, err = inventory.ParseDateSpec(opts.Date)
		if err != nil {
			return usagef("invalid --date: %w", err)
		}
	}
	okErrors, err := syncer.ParseErrorSet(opts.OkErrors)
	if err != nil {
		return usagef("invalid --ok-errors: %w", err)
	}
	var pathFilter *regexp.Regexp
	if opts.PathFilter != "" {
		pathFilter, err = regexp.Compile(opts.PathFilter)
		if err != nil {
			return usagef("invalid --path-filter: %w", err)
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received; shutting down momentarily", "signal", sig.String())
			cancel(ErrInterrupted)
		case <-ctx.Done():
		}
	}()

	client, err := s3.New(ctx, base, s3.Options{Logger: logger, TraceProgress: opts.TraceProgress})
	if err != nil {
		return err
	}
	defer client.Close()

	timestamps, err := client.ListManifestTimestamps(ctx)
	if err != nil {
		return interrupted(ctx, err)
	}
	if opts.ListDates {
		for _, ts := range timestamps {
			fmt.Println(ts)
		}
		return nil
	}

	ts, ok := dateSpec.Select(timestamps)
	if !ok {
		if opts.Date != "" {
			return fmt.Errorf("manifest not found: no inventory snapshot matches %s under %s", dateSpec, base)
		}
		return fmt.Errorf("manifest not found: no inventory snapshots under %s", base)
	}
	logger.Info("selected inventory snapshot", "timestamp", ts.String())

	sf := syncer.NewStateFile(opts.Outdir)
	if err := sf.Preflight(opts.AllowNewNonempty, opts.RequireLastSuccess); err != nil {
		return err
	}
	if err := sf.RegisterStart(time.Now()); err != nil {
		return err
	}

	manifest, err := client.GetManifest(ctx, ts)
	if err != nil {
		return interrupted(ctx, err)
	}
	logger.Info("loaded manifest", "list_files", len(manifest.Files))

	sy := syncer.New(client, opts.Outdir, syncer.Options{
		Jobs:               opts.Jobs,
		PathFilter:         pathFilter,
		CompressFilterMsgs: opts.CompressFilterMsgs,
		OkErrors:           okErrors,
		Logger:             logger,
	})
	if err := sy.Run(ctx, manifest); err != nil {
		return interrupted(ctx, err)
	}

	if err := sf.RegisterSuccess(time.Now()); err != nil {
		return err
	}
	logger.Info("backup finished", "warnings", sy.Warnings())
	return nil
}

// interrupted folds a cancellation-shaped error back into the signal that
// caused it, so the user sees "shut down due to termination signal" rather
// than "context canceled".
func interrupted(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrInterrupted) {
		return ErrInterrupted
	}
	return err
}
