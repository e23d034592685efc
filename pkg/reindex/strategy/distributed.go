package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultVectorTimeout = 120 * time.Second
	DefaultFlushTimeout  = 60 * time.Second
	DefaultStopTimeout   = 30 * time.Second
)

// Non-terminal job states. Terminal states reuse reindex.Status.
const (
	JobPending reindex.Status = "PENDING"
	JobRunning reindex.Status = "RUNNING"
)

// Sources of the final counts of a distributed job.
const (
	SourceServerStats = "serverStatsTable"
	SourceLocalSink   = "localSink"
	SourcePartitions  = "partitions"
)

// Job is the coordinator's view of a distributed job.
type Job struct {
	ID          string
	Status      reindex.Status
	Total       int64
	Processed   int64
	Success     int64
	Failed      int64
	Entities    map[string]reindex.StepStats
	ServerCount int
	Error       string
}

// ServerStats are the per-server counters summed over every participating
// server.
type ServerStats struct {
	ReaderSuccess  int64
	ReaderFailed   int64
	ReaderWarnings int64
	ProcessSuccess int64
	ProcessFailed  int64
	SinkSuccess    int64
	SinkFailed     int64
	VectorSuccess  int64
	VectorFailed   int64
	ServerCount    int
}

// RunOptions are handed to the executor's workers.
type RunOptions struct {
	Sink            reindex.Sink
	Recreate        reindex.RecreateHandler
	RecreateContext *reindex.RecreateContext
}

// DistributedExecutor coordinates partitions of a job across servers.
type DistributedExecutor interface {
	// CreateJob partitions the configured entity types and persists the job.
	CreateJob(ctx context.Context, jc reindex.JobContext, cfg reindex.Configuration) (*Job, error)

	// Run processes partitions until none are left or ctx is cancelled.
	Run(ctx context.Context, jobID string, opts RunOptions) error

	Job(ctx context.Context, jobID string) (*Job, error)
	AggregatedServerStats(ctx context.Context, jobID string) (*ServerStats, error)

	// Stop marks the job stopped so no further partitions are claimed.
	Stop(ctx context.Context, jobID string) error
}

// ResolveJobCounts picks the most trustworthy success and failure counts.
// Server stats win once they show sink activity, then the local sink, then
// the partition bookkeeping.
func ResolveJobCounts(server *ServerStats, local reindex.StepStats, job *Job) (success, failed int64, source string) {
	if server != nil && server.SinkSuccess > 0 {
		return server.SinkSuccess, server.ReaderFailed + server.SinkFailed + server.ProcessFailed, SourceServerStats
	}
	if local.Total > 0 || local.Success > 0 || local.Failed > 0 {
		return local.Success, local.Failed, SourceLocalSink
	}
	if job != nil {
		return job.Success, job.Failed, SourcePartitions
	}
	return 0, 0, SourcePartitions
}

// DistributedConfig configures a Distributed strategy.
type DistributedConfig struct {
	Executor      DistributedExecutor
	NewSink       SinkFactory
	Recreate      reindex.RecreateHandler
	Observer      reindex.Observer
	Logger        hclog.Logger
	PollInterval  time.Duration
	VectorTimeout time.Duration
	FlushTimeout  time.Duration
}

// Distributed delegates a run to a DistributedExecutor and monitors it.
type Distributed struct {
	executor      DistributedExecutor
	newSink       SinkFactory
	recreate      reindex.RecreateHandler
	observer      reindex.Observer
	logger        hclog.Logger
	pollInterval  time.Duration
	vectorTimeout time.Duration
	flushTimeout  time.Duration

	listeners *reindex.Listeners
	stopped   atomic.Bool

	mu    sync.Mutex
	stats *reindex.Stats
	jobID string
}

var _ Strategy = (*Distributed)(nil)

// NewDistributed creates a Distributed strategy.
func NewDistributed(cfg DistributedConfig) (*Distributed, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("distributed executor is required")
	}
	if cfg.NewSink == nil {
		return nil, fmt.Errorf("sink factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = DefaultVectorTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	logger := cfg.Logger.Named("distributed")

	return &Distributed{
		executor:      cfg.Executor,
		newSink:       cfg.NewSink,
		recreate:      cfg.Recreate,
		observer:      reindex.ObserverOrNop(cfg.Observer),
		logger:        logger,
		pollInterval:  cfg.PollInterval,
		vectorTimeout: cfg.VectorTimeout,
		flushTimeout:  cfg.FlushTimeout,
		listeners:     reindex.NewListeners(logger),
		stats:         reindex.NewStats(nil),
	}, nil
}

func (d *Distributed) AddListener(l reindex.ProgressListener) {
	d.listeners.Add(l)
}

func (d *Distributed) Execute(ctx context.Context, cfg reindex.Configuration, jc reindex.JobContext) (*reindex.ExecutionResult, error) {
	start := time.Now()
	d.mu.Lock()
	d.stats = reindex.NewStats(cfg.Entities)
	d.mu.Unlock()

	if d.stopped.Load() {
		stats := d.Stats()
		d.listeners.OnJobStopped(stats)
		return reindex.ResultFromStats(stats, reindex.StatusStopped, start, time.Now(), nil), nil
	}

	sink, err := d.newSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			d.logger.Warn("failed to close sink", "error", err)
		}
	}()

	rc, err := prepareRecreate(ctx, cfg, d.recreate)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare recreated indices: %w", err)
	}

	jc.Distributed = true
	if rc != nil {
		jc.Targets = rc.Targets()
	}
	job, err := d.executor.CreateJob(ctx, jc, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributed job: %w", err)
	}
	d.mu.Lock()
	d.jobID = job.ID
	d.mu.Unlock()
	d.updateStats(job, nil)

	d.logger.Info("starting distributed reindex",
		"job_id", jc.ID,
		"distributed_job_id", job.ID,
		"entities", len(cfg.Entities),
		"total", job.Total,
	)
	d.listeners.OnJobStarted(jc)
	d.observer.JobStarted(jc.ID)

	// Stop may have raced with job creation.
	if d.stopped.Load() {
		d.stopJob(job.ID)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() {
		runDone <- d.executor.Run(runCtx, job.ID, RunOptions{
			Sink:            sink,
			Recreate:        d.recreate,
			RecreateContext: rc,
		})
	}()

	job, runErr := d.monitor(ctx, job, runDone)

	d.flushSink(sink)

	server, err := d.executor.AggregatedServerStats(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		d.logger.Warn("failed to load server stats", "distributed_job_id", job.ID, "error", err)
		server = nil
	}
	d.updateStats(job, server)

	success, failed, source := ResolveJobCounts(server, sink.Stats(), job)

	status := d.finalStatus(job, runErr, success, failed)
	if rc != nil && d.recreate != nil {
		d.finalizeRecreate(ctx, rc, status != reindex.StatusStopped && status != reindex.StatusFailed)
	}

	stats := d.Stats()
	stats.Job.Success = success
	stats.Job.Failed = failed
	stats.Job.Total = max(stats.Job.Total, success+failed)

	serverCount := job.ServerCount
	if server != nil && server.ServerCount > serverCount {
		serverCount = server.ServerCount
	}
	metadata := map[string]interface{}{
		"distributedJobId": job.ID,
		"serverCount":      serverCount,
		"statsSource":      source,
	}
	result := reindex.ResultFromStats(stats, status, start, time.Now(), metadata)

	elapsed := result.Duration()
	switch status {
	case reindex.StatusStopped:
		d.listeners.OnJobStopped(stats)
	case reindex.StatusFailed:
		d.listeners.OnJobFailed(stats, jobError(job, runErr))
	case reindex.StatusCompletedWithErrors:
		d.listeners.OnJobCompletedWithErrors(stats, elapsed)
	default:
		d.listeners.OnJobCompleted(stats, elapsed)
	}
	d.observer.JobFinished(jc.ID, status, elapsed)

	d.logger.Info("distributed reindex finished",
		"distributed_job_id", job.ID,
		"status", status,
		"success", success,
		"failed", failed,
		"stats_source", source,
		"servers", serverCount,
	)
	return result, nil
}

// monitor polls the job until it is terminal, the workers return, or a stop
// is observed. It returns the last job snapshot and the workers' error.
func (d *Distributed) monitor(ctx context.Context, job *Job, runDone <-chan error) (*Job, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var (
		runErr      error
		runFinished bool
	)
	for {
		select {
		case runErr = <-runDone:
			runFinished = true
		case <-ticker.C:
		case <-ctx.Done():
			d.stopJob(job.ID)
			return d.refresh(ctx, job), ctx.Err()
		}

		job = d.refresh(ctx, job)
		server, err := d.executor.AggregatedServerStats(ctx, job.ID)
		if err != nil {
			server = nil
		}
		d.updateStats(job, server)
		d.listeners.OnProgressUpdate(d.Stats())

		if d.stopped.Load() || job.Status.Terminal() || runFinished {
			break
		}
	}

	if !runFinished {
		// Workers exit once the job is terminal; give them the flush window.
		select {
		case runErr = <-runDone:
		case <-time.After(d.flushTimeout):
			d.logger.Warn("distributed workers did not exit in time", "distributed_job_id", job.ID)
		}
	}
	return d.refresh(ctx, job), runErr
}

func (d *Distributed) refresh(ctx context.Context, job *Job) *Job {
	latest, err := d.executor.Job(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		d.logger.Warn("failed to load distributed job", "distributed_job_id", job.ID, "error", err)
		return job
	}
	return latest
}

func (d *Distributed) flushSink(sink reindex.Sink) {
	if pending := sink.PendingVectorTasks(); pending > 0 {
		res := sink.AwaitVectorCompletion(d.vectorTimeout)
		if !res.Completed {
			d.logger.Warn("vector tasks did not complete in time",
				"pending", res.PendingTaskCount,
				"waited", res.Waited,
			)
		}
	}
	if !sink.FlushAndAwait(d.flushTimeout) {
		d.logger.Warn("sink flush did not complete in time", "timeout", d.flushTimeout)
	}
}

func (d *Distributed) finalStatus(job *Job, runErr error, success, failed int64) reindex.Status {
	switch {
	case d.stopped.Load() || job.Status == reindex.StatusStopped:
		return reindex.StatusStopped
	case job.Status == reindex.StatusFailed:
		return reindex.StatusFailed
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return reindex.StatusFailed
	case failed > 0 || success < job.Total || job.Status == reindex.StatusCompletedWithErrors:
		return reindex.StatusCompletedWithErrors
	default:
		return reindex.StatusCompleted
	}
}

func jobError(job *Job, runErr error) error {
	if runErr != nil {
		return runErr
	}
	if job.Error != "" {
		return errors.New(job.Error)
	}
	return fmt.Errorf("distributed job %s failed", job.ID)
}

func (d *Distributed) finalizeRecreate(ctx context.Context, rc *reindex.RecreateContext, success bool) {
	ctx = context.WithoutCancel(ctx)
	var result *multierror.Error
	for _, et := range rc.EntityTypes() {
		if rc.IsPromoted(et) {
			continue
		}
		target, _ := rc.Target(et)
		if err := d.recreate.Finalize(ctx, target, success); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", et, err))
			d.observer.PromotionResult(et, false)
			continue
		}
		if success {
			rc.MarkPromoted(et)
			d.observer.PromotionResult(et, true)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		d.logger.Error("failed to finalize recreated indices", "error", err)
	}
}

func (d *Distributed) updateStats(job *Job, server *ServerStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job != nil {
		for et, es := range job.Entities {
			d.stats.Entities[et] = es
		}
		d.stats.Job.Total = max(d.stats.Job.Total, job.Total)
	}
	if server != nil {
		d.stats.Reader = reindex.StepStats{
			Total:    server.ReaderSuccess + server.ReaderFailed,
			Success:  server.ReaderSuccess,
			Failed:   server.ReaderFailed,
			Warnings: server.ReaderWarnings,
		}
		d.stats.Process = reindex.StepStats{
			Total:   server.ProcessSuccess + server.ProcessFailed,
			Success: server.ProcessSuccess,
			Failed:  server.ProcessFailed,
		}
		d.stats.Sink = reindex.StepStats{
			Total:   server.SinkSuccess + server.SinkFailed,
			Success: server.SinkSuccess,
			Failed:  server.SinkFailed,
		}
		d.stats.Vector = reindex.StepStats{
			Total:   server.VectorSuccess + server.VectorFailed,
			Success: server.VectorSuccess,
			Failed:  server.VectorFailed,
		}
	}
	d.stats.Reconcile()
}

func (d *Distributed) Stats() *reindex.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Clone()
}

// Stop marks the distributed job stopped. The sink is left to Execute,
// which still flushes and closes it.
func (d *Distributed) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	jobID := d.jobID
	d.mu.Unlock()
	d.logger.Info("stopping distributed reindex", "distributed_job_id", jobID)
	if jobID != "" {
		d.stopJob(jobID)
	}
}

func (d *Distributed) stopJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	if err := d.executor.Stop(ctx, jobID); err != nil {
		d.logger.Error("failed to stop distributed job", "distributed_job_id", jobID, "error", err)
	}
}

func (d *Distributed) IsStopped() bool {
	return d.stopped.Load()
}
