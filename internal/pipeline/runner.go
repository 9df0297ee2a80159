// Package pipeline runs the batch recomputation: price buckets, then
// segment rates, then revenue timelines and rollups. Each stage fans its
// partitions out over a bounded worker pool, guards every partition with a
// distributed lock and checkpoints it, so a failed run can be resumed
// without redoing finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/cohort-estimator/internal/bucket"
	"github.com/ignite/cohort-estimator/internal/config"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/export"
	"github.com/ignite/cohort-estimator/internal/pkg/distlock"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/segment"
	"github.com/ignite/cohort-estimator/internal/store"
)

// Options holds the algorithm and execution parameters of a run.
type Options struct {
	Thresholds   bucket.Thresholds
	Segment      segment.Config
	Reference    Reference
	Workers      int
	LockAttempts int
	LockBackoff  time.Duration
	LockTTL      time.Duration
	ShowProgress bool
}

// DefaultOptions returns the production thresholds with four workers.
func DefaultOptions() Options {
	return Options{
		Thresholds:   bucket.DefaultThresholds(),
		Segment:      segment.DefaultConfig(),
		Workers:      4,
		LockAttempts: 30,
		LockBackoff:  2 * time.Second,
		LockTTL:      5 * time.Minute,
	}
}

// OptionsFromConfig maps the estimator and reference config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	e := cfg.Estimator
	opts.Thresholds = bucket.Thresholds{Relative: e.RelativeThreshold, Absolute: e.AbsoluteThreshold}
	opts.Segment = segment.Config{MinCohortUsers: e.MinCohortUsers, WindowLagDays: e.WindowLagDays, WindowDays: e.WindowDays}
	opts.Reference = NewReference(cfg.Reference)
	opts.Workers = e.Workers
	opts.LockTTL = e.LockTTL()
	opts.ShowProgress = e.ShowProgress
	return opts
}

// LockFunc returns a lock for one partition key. It is called once per
// partition attempt, so implementations may return fresh instances.
type LockFunc func(key string) distlock.DistLock

// Exporter publishes a completed run.
type Exporter interface {
	Export(ctx context.Context, st store.Store, runID string, products []string) (*export.Manifest, error)
}

// Runner executes runs against one store.
type Runner struct {
	store       store.Store
	events      store.EventSource
	refs        store.ReferenceSource
	checkpoints store.Checkpoints
	locks       LockFunc
	exporter    Exporter
	assigner    *bucket.Assigner
	opts        Options
	now         func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithEventSource reads events from src instead of the store (e.g. the
// Snowflake warehouse).
func WithEventSource(src store.EventSource) Option {
	return func(r *Runner) { r.events = src }
}

// WithReferenceSource reads dimensions, attribution and delivery from src
// instead of the store.
func WithReferenceSource(src store.ReferenceSource) Option {
	return func(r *Runner) { r.refs = src }
}

// WithCheckpoints records partition completion in cp instead of the store.
func WithCheckpoints(cp store.Checkpoints) Option {
	return func(r *Runner) { r.checkpoints = cp }
}

// WithLocks guards partitions with distributed locks. Without it a runner
// assumes it is the only process working on its runs.
func WithLocks(fn LockFunc) Option {
	return func(r *Runner) { r.locks = fn }
}

// WithExporter publishes every completed run.
func WithExporter(e Exporter) Option {
	return func(r *Runner) { r.exporter = e }
}

// NewRunner creates a runner. The store backs every input and output unless
// an option overrides one.
func NewRunner(st store.Store, opts Options, options ...Option) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	r := &Runner{
		store:       st,
		events:      st,
		refs:        st,
		checkpoints: st,
		assigner:    bucket.NewAssigner(opts.Thresholds),
		opts:        opts,
		now:         time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Report summarizes a finished run.
type Report struct {
	Run              domain.Run
	Products         int
	Partitions       int
	Pairs            int
	ExcludedPairs    int
	Skipped          map[domain.Stage]int
	ValidationErrors int
	RollupRows       int
	Accuracy         map[domain.AccuracyScore]int
	Export           *export.Manifest
}

// Run starts a new run pinned to asOf.
func (r *Runner) Run(ctx context.Context, asOf time.Time) (*Report, error) {
	run := domain.Run{
		ID:        uuid.New().String(),
		AsOf:      asOf.UTC(),
		Status:    domain.RunRunning,
		StartedAt: r.now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log.Printf("[Pipeline] Starting run %s (as_of=%s)", run.ID, run.AsOf.Format(time.RFC3339))
	return r.execute(ctx, run)
}

// Resume continues a running or failed run with its original as-of time.
// Partitions that were checkpointed are not recomputed.
func (r *Runner) Resume(ctx context.Context, runID string) (*Report, error) {
	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.Status == domain.RunComplete {
		return nil, fmt.Errorf("%w: %s", ErrRunComplete, runID)
	}
	if run.Status == domain.RunFailed {
		if err := r.store.ReopenRun(ctx, runID); err != nil {
			return nil, fmt.Errorf("reopen run: %w", err)
		}
		run.Status, run.Error, run.CompletedAt = domain.RunRunning, "", nil
	}
	log.Printf("[Pipeline] Resuming run %s (as_of=%s)", run.ID, run.AsOf.Format(time.RFC3339))
	return r.execute(ctx, *run)
}

func (r *Runner) execute(ctx context.Context, run domain.Run) (*Report, error) {
	rlog := logger.With("run_id", run.ID)
	rep, err := r.stages(ctx, run)
	if err != nil {
		rlog.Error("run failed", "error", err)
		// the caller's context may already be cancelled
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := r.store.FinishRun(finishCtx, run.ID, domain.RunFailed, err.Error(), r.now().UTC()); ferr != nil {
			rlog.Error("failed to mark run failed", "error", ferr)
		}
		return nil, err
	}
	return rep, nil
}

func (r *Runner) stages(ctx context.Context, run domain.Run) (*Report, error) {
	start := r.now()
	pl, err := r.buildPlan(ctx, run.AsOf)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		Run:           run,
		Products:      len(pl.products),
		Partitions:    len(pl.partitions),
		Pairs:         pl.pairCount(),
		ExcludedPairs: pl.excluded,
		Skipped:       make(map[domain.Stage]int),
	}
	log.Printf("[Pipeline] Run %s: %d products, %d partitions, %d pairs (%d excluded from cohorts)",
		run.ID, rep.Products, rep.Partitions, rep.Pairs, rep.ExcludedPairs)

	if err := r.bucketStage(ctx, run, pl, rep); err != nil {
		return nil, fmt.Errorf("bucket stage: %w", err)
	}
	if err := r.rateStage(ctx, run, pl, rep); err != nil {
		return nil, fmt.Errorf("rate stage: %w", err)
	}
	if err := r.timelineStage(ctx, run, pl, rep); err != nil {
		return nil, fmt.Errorf("timeline stage: %w", err)
	}
	if err := r.finalize(ctx, run, pl, rep); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	log.Printf("[Pipeline] Run %s complete in %s: %d rollup rows, %d validation errors",
		run.ID, r.now().Sub(start).Round(time.Millisecond), rep.RollupRows, rep.ValidationErrors)
	return rep, nil
}
