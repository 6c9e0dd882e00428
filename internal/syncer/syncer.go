// Package syncer implements the concurrent synchronization engine: it fans
// inventory list files out to reader tasks, dispatches per-object placement
// work with bounded parallelism and per-path locking, and reconciles the
// output tree against the inventory afterwards.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"s3invsync/internal/inventory"
	"s3invsync/internal/lockpool"
	"s3invsync/internal/s3"
)

// ObjectStore is the part of the S3 client the engine depends on.
type ObjectStore interface {
	// OpenInventoryList downloads and checksum-verifies the list file named
	// by spec and returns a reader over its entries.
	OpenInventoryList(ctx context.Context, spec inventory.ManifestFile, schema *inventory.Schema) (inventory.EntryReader, error)

	// DownloadObject streams the object at loc into dst, verifying the
	// bytes against expectedMD5 when it is non-empty.
	DownloadObject(ctx context.Context, loc s3.Location, expectedMD5 string, dst *os.File) (*s3.ObjectInfo, error)
}

var _ ObjectStore = (*s3.Client)(nil)

// DefaultJobs is the default global concurrency cap.
func DefaultJobs() int {
	return min(runtime.GOMAXPROCS(0), 20)
}

// Options configures a Syncer.
type Options struct {
	// Jobs caps the reader tier and the worker tier each. Zero means
	// DefaultJobs.
	Jobs int

	// PathFilter, when non-nil, restricts processing to keys it matches.
	PathFilter *regexp.Regexp

	// CompressFilterMsgs batches filter-skip log messages, one per N skips.
	CompressFilterMsgs int

	// OkErrors selects error kinds downgraded to warnings.
	OkErrors ErrorSet

	Logger *slog.Logger
}

// Syncer drives one backup run.
type Syncer struct {
	store      ObjectStore
	outdir     string
	jobs       int
	pathFilter *regexp.Regexp
	okErrors   ErrorSet
	logger     *slog.Logger
	locks      *lockpool.Pool
	filterLog  *filterLogger
	observed   *observedTree

	startTime   time.Time
	entriesSeen atomic.Int64
	warnings    atomic.Int64
	queueDepth  func() int
	failOnce    sync.Once
}

// New creates a Syncer writing to outdir.
func New(store ObjectStore, outdir string, opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs()
	}
	return &Syncer{
		store:      store,
		outdir:     outdir,
		jobs:       jobs,
		pathFilter: opts.PathFilter,
		okErrors:   opts.OkErrors,
		logger:     logger,
		locks:      lockpool.New(),
		filterLog:  newFilterLogger(logger, opts.CompressFilterMsgs),
		observed:   newObservedTree(),
		queueDepth: func() int { return 0 },
	}
}

// Warnings reports the number of non-fatal errors downgraded during the run.
func (s *Syncer) Warnings() int64 { return s.warnings.Load() }

// Run processes every entry of the manifest's list files, then reconciles
// the output tree. On the first fatal error the pipeline is cancelled, all
// tasks are awaited, and that error is returned; the sweep only runs after
// a fully clean pass.
func (s *Syncer) Run(ctx context.Context, m *inventory.Manifest) error {
	s.startTime = time.Now()

	g, gctx := errgroup.WithContext(ctx)
	specs := make(chan inventory.ManifestFile)
	entries := make(chan inventory.Entry, s.jobs)
	s.queueDepth = func() int { return len(entries) }

	g.Go(func() error {
		defer close(specs)
		for _, spec := range m.Files {
			select {
			case specs <- spec:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var readers sync.WaitGroup
	readers.Add(s.jobs)
	for i := 0; i < s.jobs; i++ {
		g.Go(func() error {
			defer readers.Done()
			return s.reportErr(s.readLists(gctx, m.Schema, specs, entries))
		})
	}
	go func() {
		readers.Wait()
		close(entries)
	}()

	for i := 0; i < s.jobs; i++ {
		g.Go(func() error {
			for entry := range entries {
				if gctx.Err() != nil {
					return nil
				}
				if err := s.reportErr(s.processEntry(gctx, entry)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	s.filterLog.finish()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Info("inventory fully processed; reconciling output tree")
	if err := s.sweep(ctx); err != nil {
		return s.reportErr(fmt.Errorf("reconciliation sweep: %w", err))
	}
	return nil
}

// readLists drains manifest file specs, streaming each list file's entries
// into the bounded entry channel.
func (s *Syncer) readLists(ctx context.Context, schema *inventory.Schema, specs <-chan inventory.ManifestFile, entries chan<- inventory.Entry) error {
	for spec := range specs {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.readList(ctx, schema, spec, entries); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) readList(ctx context.Context, schema *inventory.Schema, spec inventory.ManifestFile, entries chan<- inventory.Entry) error {
	s.logger.Debug("reading inventory list file", "key", spec.Key)
	r, err := s.store.OpenInventoryList(ctx, spec, schema)
	if err != nil {
		return fmt.Errorf("inventory list %s: %w", spec.Key, err)
	}
	defer r.Close()
	for {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var entryErr *inventory.EntryError
		if errors.As(err, &entryErr) {
			if werr := s.invalidEntry(entryErr); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("inventory list %s: %w", spec.Key, err)
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return nil
		}
	}
}

// invalidEntry downgrades an invalid-entry error to a warning when the run
// has opted into them.
func (s *Syncer) invalidEntry(err error) error {
	if s.okErrors.InvalidEntry {
		s.warnings.Add(1)
		s.logger.Warn("ignoring invalid inventory entry", "error", err)
		return nil
	}
	return err
}

// reportErr logs a fatal error. The first one also dumps process context at
// INFO for postmortems; later ones are logged at DEBUG, subordinate to the
// first.
func (s *Syncer) reportErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	first := false
	s.failOnce.Do(func() {
		first = true
		s.logger.Error("error occurred; shutting down", "error", err)
		s.logProcessInfo()
	})
	if !first {
		s.logger.Debug("subsequent error", "error", err)
	}
	return err
}

func (s *Syncer) logProcessInfo() {
	s.logger.Info("process info",
		"jobs", s.jobs,
		"queue_depth", s.queueDepth(),
		"entries_seen", s.entriesSeen.Load(),
		"warnings", s.warnings.Load(),
		"filtered", s.filterLog.count(),
		"elapsed", time.Since(s.startTime).Round(time.Millisecond),
	)
}

// observedTree records, per directory, the basenames placed or validated
// during this run. The sweep deletes whatever it does not contain. The sets
// are held in memory and hold every observed basename, so memory grows with
// the number of objects placed or validated, not only with the directory
// count.
type observedTree struct {
	mu   sync.Mutex
	dirs map[string]map[string]struct{}
}

func newObservedTree() *observedTree {
	return &observedTree{dirs: make(map[string]map[string]struct{})}
}

// observe marks name in directory dir ("" for the root) as belonging to the
// backup, and every ancestor directory as expected.
func (t *observedTree) observe(dir, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		m, ok := t.dirs[dir]
		if !ok {
			m = make(map[string]struct{})
			t.dirs[dir] = m
		}
		m[name] = struct{}{}
		if dir == "" {
			return
		}
		dir, name = splitDirObserved(dir)
	}
}

func splitDirObserved(dir string) (parent, name string) {
	parent = path.Dir(dir)
	if parent == "." {
		parent = ""
	}
	return parent, path.Base(dir)
}

// contains reports whether name was observed in dir.
func (t *observedTree) contains(dir, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.dirs[dir]
	if !ok {
		return false
	}
	_, ok = m[name]
	return ok
}
