package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sneakersync/sneakersync/internal/config"
	"github.com/sneakersync/sneakersync/internal/fsops"
	"github.com/sneakersync/sneakersync/internal/metastore"
	"github.com/sneakersync/sneakersync/internal/replica"
	"github.com/sneakersync/sneakersync/internal/scan"
	"github.com/spf13/afero"
)

var (
	ErrCopyVerification = errors.New("copy verification failed")
	ErrReplication      = errors.New("replication from removable failed")
)

// Engine runs the three sync phases between a local and a removable replica.
// It holds no state between runs besides its configuration.
type Engine struct {
	cfg    *config.Config
	layout *replica.Layout
	fs     afero.Fs
	ops    fsops.Ops
	clock  clockwork.Clock
	log    *slog.Logger
}

type Option func(*Engine)

// WithLogger sets the logger the engine reports to. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithClock replaces the wall clock used for tombstones, history and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithOps replaces the filesystem primitives.
func WithOps(ops fsops.Ops) Option {
	return func(e *Engine) {
		e.ops = ops
	}
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	layout, err := replica.New(cfg.PCRoot, cfg.USBRoot, cfg.DBName)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	e := &Engine{
		cfg:    cfg,
		layout: layout,
		fs:     fs,
		clock:  clockwork.NewRealClock(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ops == nil {
		e.ops = fsops.New(fs)
	}
	return e, nil
}

// Layout exposes where the engine keeps its stores.
func (e *Engine) Layout() *replica.Layout {
	return e.layout
}

// run carries the state of one Engine.Run invocation.
type run struct {
	*Engine
	log    *slog.Logger
	report *Report
	dryRun bool

	local     *metastore.Store
	removable *metastore.Store
	staging   *metastore.Store
}

// Run checks the environment, then replicates from the removable replica,
// detects local changes and applies them to the removable replica. The
// returned report is never nil; err is set when the run failed.
func (e *Engine) Run(ctx context.Context) (_ *Report, err error) {
	runID := uuid.NewString()[:8]
	r := &run{
		Engine: e,
		log:    e.log.With("run", runID, "machine", e.cfg.MachineName),
		report: newReport(runID, e.cfg.MachineName, e.cfg.DryRun, e.clock.Now()),
		dryRun: e.cfg.DryRun,
	}

	tStart := e.clock.Now()
	r.log.Info("sync start", "pc", e.layout.PCRoot, "usb", e.layout.USBRoot, "dryRun", r.dryRun, "policy", e.cfg.ConflictPolicy)

	defer func() {
		r.report.FinishedAt = e.clock.Now()
		if err != nil {
			r.report.Error = err.Error()
			r.log.Error("sync failed", "error", err)
		} else {
			r.log.Info("sync finished", "applied", r.report.Count(StatusApplied), "planned", r.report.Count(StatusPlanned),
				"skipped", r.report.Count(StatusSkipped), "failed", r.report.Count(StatusFailed), "tsTotal", e.clock.Since(tStart))
		}
	}()

	if err := e.layout.Check(); err != nil {
		return r.report, err
	}

	if !r.dryRun {
		if err := e.layout.Lock(); err != nil {
			return r.report, err
		}
		defer func() {
			if uerr := e.layout.Unlock(); uerr != nil {
				r.log.Warn("unlock replicas", "error", uerr)
			}
		}()
	}

	if err := r.openStores(ctx); err != nil {
		return r.report, err
	}
	defer r.closeStores()

	if !r.dryRun {
		if err := r.checkQueue(ctx); err != nil {
			return r.report, err
		}
	}

	r.log.Info("phase 1: replicate from removable")
	repl, err := r.replicate(ctx)
	if err != nil {
		return r.report, err
	}
	if n := len(r.report.Failures()); n > 0 {
		return r.report, fmt.Errorf("%w: %d action(s) failed", ErrReplication, n)
	}

	r.log.Info("phase 2: detect local changes")
	detected, err := r.detect(ctx, repl)
	if err != nil {
		return r.report, err
	}

	r.log.Info("phase 3: apply to removable")
	if err := r.apply(ctx, detected); err != nil {
		return r.report, err
	}

	if r.dryRun {
		r.log.Info("dry run finished, nothing was changed")
		for _, line := range splitLines(r.report.Summary()) {
			r.log.Info("dry run summary", "count", line)
		}
	}
	return r.report, nil
}

// History returns the most recent archived movements of the removable store.
func (e *Engine) History(ctx context.Context, limit int) ([]metastore.ArchivedMovement, error) {
	store, err := metastore.Open(ctx, e.layout.RemovableStore, metastore.ReadOnly())
	if errors.Is(err, metastore.ErrStoreNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.History(ctx, limit)
}

func (r *run) openStores(ctx context.Context) error {
	if r.dryRun {
		var err error
		if r.removable, err = openIfExists(ctx, r.layout.RemovableStore); err != nil {
			return err
		}
		if r.local, err = openIfExists(ctx, r.layout.LocalStore); err != nil {
			return err
		}
		return nil
	}

	var err error
	if r.removable, err = metastore.Open(ctx, r.layout.RemovableStore); err != nil {
		return err
	}
	if r.local, err = metastore.Open(ctx, r.layout.LocalStore); err != nil {
		return err
	}
	if r.staging, err = metastore.Open(ctx, r.layout.StagingStore); err != nil {
		return err
	}
	return nil
}

// checkQueue fails on a queued movement that decodes to no operation. Phase 2
// would otherwise replace the queue and hide the corrupted record.
func (r *run) checkQueue(ctx context.Context) error {
	queued, err := r.staging.PendingMovements(ctx)
	if err != nil {
		return err
	}
	for _, m := range queued {
		if _, err := OperationOf(m); err != nil {
			return fmt.Errorf("staging store %s: %w", r.staging.Path(), err)
		}
	}
	return nil
}

func (r *run) closeStores() {
	for _, s := range []*metastore.Store{r.staging, r.local, r.removable} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			r.log.Warn("close store", "path", s.Path(), "error", err)
		}
	}
}

// openIfExists opens a store read-only; a missing store reads as empty (nil).
func openIfExists(ctx context.Context, path string) (*metastore.Store, error) {
	s, err := metastore.Open(ctx, path, metastore.ReadOnly())
	if errors.Is(err, metastore.ErrStoreNotFound) {
		return nil, nil
	}
	return s, err
}

func masterStatesOf(ctx context.Context, s *metastore.Store) ([]metastore.MasterState, error) {
	if s == nil {
		return nil, nil
	}
	return s.MasterStates(ctx)
}

func tombstonesOf(ctx context.Context, s *metastore.Store) ([]metastore.Tombstone, error) {
	if s == nil {
		return nil, nil
	}
	return s.Tombstones(ctx)
}

// scanner builds the local scanner. Root-level files named like the removable
// store are skipped, as are the log and report files when they live inside
// the local replica.
func (r *run) scanner() *scan.Scanner {
	db := r.layout.DBName
	names := []string{db, db + "-journal", db + "-wal", db + "-shm", db + ".lock"}
	for _, p := range []string{r.cfg.LogPath, r.cfg.ReportPath} {
		if p == "" {
			continue
		}
		if rel, ok := r.layout.PCRel(absOrSelf(p)); ok {
			names = append(names, rel)
		}
	}
	return scan.NewScanner(r.fs, scan.WithExcludes(r.cfg.Excludes...), scan.WithIgnoredNames(names...))
}

func (r *run) now() time.Time {
	return r.clock.Now().UTC()
}
