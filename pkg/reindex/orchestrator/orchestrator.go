// Package orchestrator runs a reindexing job end to end: it resolves the job
// parameters, picks an execution strategy, records the run, and cleans up.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/strategy"
)

// RunStatus is the status persisted on a run record.
type RunStatus string

const (
	RunRunning     RunStatus = "RUNNING"
	RunCompleted   RunStatus = "COMPLETED"
	RunActiveError RunStatus = "ACTIVE_ERROR"
	RunFailed      RunStatus = "FAILED"
	RunStopped     RunStatus = "STOPPED"
)

// ExceptionPrefix starts the failure message of runs that died on an error.
const ExceptionPrefix = "Reindexing Job Exception: "

// MapStatus converts a strategy result status to a run status.
func MapStatus(s reindex.Status) RunStatus {
	switch s {
	case reindex.StatusCompleted:
		return RunCompleted
	case reindex.StatusCompletedWithErrors:
		return RunActiveError
	case reindex.StatusStopped:
		return RunStopped
	default:
		return RunFailed
	}
}

// RunRecord is the persisted outcome of one run.
type RunRecord struct {
	ID             string
	JobName        string
	Status         RunStatus
	StartedAt      time.Time
	EndedAt        time.Time
	Config         reindex.Configuration
	Stats          *reindex.Stats
	SuccessContext map[string]interface{}
	FailureMessage string
	FailureCount   int64
}

func (r RunRecord) clone() RunRecord {
	out := r
	out.Stats = r.Stats.Clone()
	if r.SuccessContext != nil {
		out.SuccessContext = make(map[string]interface{}, len(r.SuccessContext))
		for k, v := range r.SuccessContext {
			out.SuccessContext[k] = v
		}
	}
	return out
}

// Context is the environment a job runs in: where run records, failure
// records and status updates go.
type Context interface {
	JobName() string
	StoreRunRecord(ctx context.Context, rec RunRecord) error
	UpdateRunRecord(ctx context.Context, rec RunRecord) error
	DeleteFailures(ctx context.Context) error
	CountFailures(ctx context.Context, runID string) (int64, error)
	PushStatus(ctx context.Context, rec RunRecord) error
	ProgressListener(rec RunRecord) reindex.ProgressListener
}

// StrategyFactory builds the strategy for a resolved configuration.
type StrategyFactory func(cfg reindex.Configuration) (strategy.Strategy, error)

// OrphanCleaner removes staged indices left behind by earlier runs.
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) (int, error)
}

// Orchestrator runs reindexing jobs. One Orchestrator runs one job at a time.
type Orchestrator struct {
	jobCtx           Context
	newStrategy      StrategyFactory
	cleaner          OrphanCleaner
	logger           hclog.Logger
	progressInterval time.Duration
	now              func() time.Time

	active  atomic.Pointer[activeStrategy]
	stopped atomic.Bool

	mu     sync.Mutex
	record *RunRecord
}

type activeStrategy struct {
	strategy.Strategy
}

// Option is a functional option for creating an Orchestrator.
type Option func(*Orchestrator)

// WithContext sets the job context.
func WithContext(c Context) Option {
	return func(o *Orchestrator) {
		o.jobCtx = c
	}
}

// WithStrategyFactory sets how strategies are built.
func WithStrategyFactory(f StrategyFactory) Option {
	return func(o *Orchestrator) {
		o.newStrategy = f
	}
}

// WithOrphanCleaner sets the cleaner run after every job.
func WithOrphanCleaner(c OrphanCleaner) Option {
	return func(o *Orchestrator) {
		o.cleaner = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithProgressInterval sets how often progress is logged.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.progressInterval = d
	}
}

// WithClock overrides the clock used to resolve time windows.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:           hclog.NewNullLogger(),
		progressInterval: 30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.jobCtx == nil {
		return nil, fmt.Errorf("job context is required")
	}
	if o.newStrategy == nil {
		return nil, fmt.Errorf("strategy factory is required")
	}
	o.logger = o.logger.Named("orchestrator")
	return o, nil
}

// Run executes one job and returns its final run record. Errors inside the
// job are reported on the record, not returned.
func (o *Orchestrator) Run(ctx context.Context, params reindex.JobParameters) RunRecord {
	start := o.now()
	rec := &RunRecord{
		ID:        uuid.NewString(),
		JobName:   o.jobCtx.JobName(),
		Status:    RunRunning,
		StartedAt: start,
	}
	o.mu.Lock()
	o.record = rec
	o.mu.Unlock()

	defer o.finish(ctx)

	cfg, err := params.Configuration(start)
	if err != nil {
		o.fail(fmt.Errorf("invalid job parameters: %w", err), nil)
		return o.snapshot()
	}
	cfg.Entities = entities.Expand(cfg.Entities)
	o.update(func(r *RunRecord) {
		r.Config = cfg
		r.Stats = reindex.NewStats(cfg.Entities)
	})

	if err := o.jobCtx.StoreRunRecord(ctx, o.snapshot()); err != nil {
		o.logger.Warn("failed to store run record", "run_id", rec.ID, "error", err)
	}
	if err := o.jobCtx.DeleteFailures(ctx); err != nil {
		o.logger.Warn("failed to clear stale failure records", "error", err)
	}

	o.logger.Info("starting reindex job",
		"run_id", rec.ID,
		"job_name", rec.JobName,
		"entities", len(cfg.Entities),
		"recreate", cfg.Recreate,
		"distributed", cfg.Distributed,
	)

	s, result, err := o.execute(ctx, cfg, rec.ID)
	if err != nil {
		o.fail(err, s)
		return o.snapshot()
	}
	o.applyResult(result)
	return o.snapshot()
}

func (o *Orchestrator) execute(ctx context.Context, cfg reindex.Configuration, runID string) (s strategy.Strategy, result *reindex.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	s, err = o.newStrategy(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create strategy: %w", err)
	}
	o.active.Store(&activeStrategy{s})
	defer o.active.Store(nil)
	if o.stopped.Load() {
		s.Stop()
	}

	if l := o.jobCtx.ProgressListener(o.snapshot()); l != nil {
		s.AddListener(l)
	}
	s.AddListener(reindex.NewLoggingListener(o.logger, o.progressInterval))

	jc := reindex.JobContext{
		ID:          runID,
		Name:        o.jobCtx.JobName(),
		StartedAt:   o.snapshot().StartedAt,
		Distributed: cfg.Distributed,
		Source:      "orchestrator",
	}
	result, err = s.Execute(ctx, cfg, jc)
	return s, result, err
}

func (o *Orchestrator) applyResult(result *reindex.ExecutionResult) {
	o.update(func(r *RunRecord) {
		r.Status = MapStatus(result.Status)
		r.Stats = result.Stats.Clone()
		if o.stopped.Load() {
			r.Status = RunStopped
		}
		r.SuccessContext = map[string]interface{}{
			"total":            result.Total,
			"success":          result.Success,
			"failed":           result.Failed,
			"successRate":      result.SuccessRate(),
			"recordsPerSecond": result.RecordsPerSecond(),
		}
		for k, v := range result.Metadata {
			r.SuccessContext[k] = v
		}
		if result.Stats != nil {
			r.SuccessContext["serverStats"] = map[string]interface{}{
				"reader": result.Stats.Reader,
				"sink":   result.Stats.Sink,
				"vector": result.Stats.Vector,
			}
		}
		if _, ok := r.SuccessContext["serverCount"]; !ok {
			r.SuccessContext["serverCount"] = 1
		}
	})
}

func (o *Orchestrator) fail(err error, s strategy.Strategy) {
	o.update(func(r *RunRecord) {
		if s != nil {
			r.Stats = s.Stats()
		}
		if o.stopped.Load() {
			r.Status = RunStopped
			return
		}
		r.Status = RunFailed
		r.FailureMessage = ExceptionPrefix + err.Error()
	})
	o.logger.Error("reindex job failed", "error", err)
}

// finish persists the final record, pushes it, and removes orphaned indices.
// It runs on every exit path.
func (o *Orchestrator) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	runID := o.snapshot().ID
	count, err := o.jobCtx.CountFailures(ctx, runID)
	if err != nil {
		o.logger.Warn("failed to count failure records", "run_id", runID, "error", err)
	}
	o.update(func(r *RunRecord) {
		r.EndedAt = o.now()
		r.FailureCount = count
	})

	rec := o.snapshot()
	if err := o.jobCtx.UpdateRunRecord(ctx, rec); err != nil {
		o.logger.Error("failed to update run record", "run_id", rec.ID, "error", err)
	}
	if err := o.jobCtx.PushStatus(ctx, rec); err != nil {
		o.logger.Warn("failed to push run status", "run_id", rec.ID, "error", err)
	}

	if o.cleaner != nil {
		removed, err := o.cleaner.CleanupOrphans(ctx)
		if err != nil {
			o.logger.Warn("orphan index cleanup failed", "error", err)
		} else if removed > 0 {
			o.logger.Info("removed orphaned indices", "count", removed)
		}
	}

	o.logger.Info("reindex job finished",
		"run_id", rec.ID,
		"status", rec.Status,
		"failures", rec.FailureCount,
		"elapsed", rec.EndedAt.Sub(rec.StartedAt),
	)
}

// Stop stops the active strategy, if any, and records the run as stopped
// while it is still running. A run that already reached a terminal status
// keeps it. It is safe to call concurrently and before or after Run.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopped.Store(true)
	if a := o.active.Load(); a != nil {
		a.Stop()
	}

	o.mu.Lock()
	running := o.record != nil && o.record.Status == RunRunning
	if running {
		o.record.Status = RunStopped
	}
	o.mu.Unlock()
	if !running {
		return
	}
	snap := o.snapshot()
	if err := o.jobCtx.UpdateRunRecord(ctx, snap); err != nil {
		o.logger.Warn("failed to record stop", "run_id", snap.ID, "error", err)
	}
	if err := o.jobCtx.PushStatus(ctx, snap); err != nil {
		o.logger.Warn("failed to push stop status", "run_id", snap.ID, "error", err)
	}
}

// Stats returns the live stats of the active strategy, or the last recorded
// stats when no strategy is running.
func (o *Orchestrator) Stats() *reindex.Stats {
	if a := o.active.Load(); a != nil {
		return a.Stats()
	}
	return o.snapshot().Stats
}

func (o *Orchestrator) update(fn func(r *RunRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record != nil {
		fn(o.record)
	}
}

func (o *Orchestrator) snapshot() RunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record == nil {
		return RunRecord{}
	}
	return o.record.clone()
}
