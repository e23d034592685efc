// Package pipeline implements the producer, bounded queue and consumer engine
// that moves entity pages from a reindex.Source into a reindex.Sink.
package pipeline

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
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/reader"
)

const (
	DefaultPollTimeout      = 200 * time.Millisecond
	DefaultTrackerWait      = 1 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultStopFlushTimeout = 10 * time.Second
	DefaultVectorTimeout    = 300 * time.Second
	DefaultFinalizeTimeout  = 5 * time.Minute
)

// Config configures a Pipeline.
type Config struct {
	Source   reindex.Source
	Failures reindex.FailureRecorder
	Observer reindex.Observer
	Logger   hclog.Logger

	// Reader tuning; zero values use the reader defaults.
	MaxReaders     int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	PollTimeout      time.Duration
	TrackerWait      time.Duration
	ShutdownTimeout  time.Duration
	StopFlushTimeout time.Duration
	VectorTimeout    time.Duration
}

// Pipeline runs one reindexing pass. A Pipeline is single use.
type Pipeline struct {
	source   reindex.Source
	failures reindex.FailureRecorder
	observer reindex.Observer
	logger   hclog.Logger
	readerCf reader.Config

	pollTimeout      time.Duration
	trackerWait      time.Duration
	shutdownTimeout  time.Duration
	stopFlushTimeout time.Duration
	vectorTimeout    time.Duration

	listeners *reindex.Listeners
	stopped   atomic.Bool

	// mu guards stats and sink.
	mu    sync.Mutex
	stats *reindex.Stats
	sink  reindex.Sink

	// runMu guards the per-run plumbing Stop needs.
	runMu       sync.Mutex
	queue       chan reindex.IndexingTask
	cancelReads context.CancelFunc
	consumers   int
	// terminated is closed once every pool of the run has shut down.
	terminated chan struct{}
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	logger := cfg.Logger.Named("pipeline")

	p := &Pipeline{
		source:   cfg.Source,
		failures: cfg.Failures,
		observer: reindex.ObserverOrNop(cfg.Observer),
		logger:   logger,
		readerCf: reader.Config{
			Source:     cfg.Source,
			MaxReaders: cfg.MaxReaders,
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			Logger:     logger,
		},
		pollTimeout:      durationOr(cfg.PollTimeout, DefaultPollTimeout),
		trackerWait:      durationOr(cfg.TrackerWait, DefaultTrackerWait),
		shutdownTimeout:  durationOr(cfg.ShutdownTimeout, DefaultShutdownTimeout),
		stopFlushTimeout: durationOr(cfg.StopFlushTimeout, DefaultStopFlushTimeout),
		vectorTimeout:    durationOr(cfg.VectorTimeout, DefaultVectorTimeout),
		listeners:        reindex.NewListeners(logger),
		stats:            reindex.NewStats(nil),
	}
	return p, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// AddListener registers a progress listener.
func (p *Pipeline) AddListener(l reindex.ProgressListener) {
	p.listeners.Add(l)
}

// Execute reindexes entityTypes into sink. When rc is non-nil the sink
// writes into staged indices that handler finalizes at the end.
func (p *Pipeline) Execute(
	ctx context.Context,
	cfg reindex.Configuration,
	jc reindex.JobContext,
	entityTypes []string,
	sink reindex.Sink,
	handler reindex.RecreateHandler,
	rc *reindex.RecreateContext,
) (*reindex.ExecutionResult, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	cfg.Entities = entityTypes
	cfg = cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	start := time.Now()
	ordered := entities.SortByPriority(cfg.Entities)

	readCtx, cancelReads := context.WithCancel(ctx)
	defer cancelReads()
	consumerCtx, cancelConsumers := context.WithCancel(ctx)
	defer cancelConsumers()

	queue := make(chan reindex.IndexingTask, cfg.QueueSize)
	terminated := make(chan struct{})
	p.runMu.Lock()
	p.queue = queue
	p.cancelReads = cancelReads
	p.consumers = cfg.ConsumerThreads
	p.terminated = terminated
	p.runMu.Unlock()
	var terminateOnce sync.Once
	terminate := func() { terminateOnce.Do(func() { close(terminated) }) }
	defer terminate()

	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()

	if p.stopped.Load() {
		cancelReads()
	}

	p.initStats(readCtx, jc, ordered, cfg)

	p.logger.Info("starting reindexing pipeline",
		"job_id", jc.ID,
		"entities", len(ordered),
		"batch_size", cfg.BatchSize,
		"producers", cfg.ProducerThreads,
		"consumers", cfg.ConsumerThreads,
		"queue_size", cfg.QueueSize,
		"recreate", rc != nil,
	)
	p.listeners.OnJobStarted(jc)
	p.observer.JobStarted(jc.ID)

	consumers := newPool(consumerCtx, "consumer", cfg.ConsumerThreads, cancelConsumers, p.logger)
	for i := 0; i < cfg.ConsumerThreads; i++ {
		if err := consumers.Go(func() { p.consume(consumerCtx, i, queue, jc, rc) }); err != nil {
			p.logger.Error("failed to start consumer", "consumer", i, "error", err)
		}
	}

	producers := newPool(readCtx, "producer", cfg.ProducerThreads, cancelReads, p.logger)
	jobs := newPool(readCtx, "entity-job", len(ordered), cancelReads, p.logger)

	readerCfg := p.readerCf
	readerCfg.Runner = producers
	rdr, err := reader.New(readerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}

	p.runProducers(readCtx, ctx, cfg, jc, ordered, rdr, jobs, queue)

	jobs.Shutdown(p.shutdownTimeout)
	producers.Shutdown(p.shutdownTimeout)

	// Consumers drain the queue for as long as it takes unless the run is
	// stopped or cancelled; only then is their shutdown bounded.
	aborted := func() bool { return p.stopped.Load() || ctx.Err() != nil }
	p.signalConsumers(consumerCtx, queue, cfg.ConsumerThreads)
	consumers.Wait(aborted, p.pollTimeout)
	consumers.Shutdown(p.shutdownTimeout)
	terminate()

	p.closeSink(sink)
	if handler != nil && rc != nil {
		p.finalizeRecreate(ctx, handler, rc, !p.stopped.Load())
	}

	result := p.buildResult(start)
	p.observer.JobFinished(jc.ID, result.Status, result.Duration())
	return result, nil
}

// runProducers schedules one job per entity type and returns once every
// reader finished or a stop was observed.
func (p *Pipeline) runProducers(
	readCtx, runCtx context.Context,
	cfg reindex.Configuration,
	jc reindex.JobContext,
	ordered []string,
	rdr *reader.Reader,
	jobs *pool,
	queue chan<- reindex.IndexingTask,
) {
	// The supervisor holds one party until every job is scheduled.
	tracker := reader.NewTracker(1)
	tracker.Register(len(ordered))

	for _, et := range ordered {
		err := jobs.Go(func() {
			defer tracker.Arrive()
			p.readEntity(readCtx, cfg, jc, et, rdr, tracker, queue)
		})
		if err != nil {
			tracker.Arrive()
		}
	}
	tracker.Arrive()

	for !tracker.Wait(p.trackerWait) {
		if p.stopped.Load() || runCtx.Err() != nil {
			p.logger.Info("stop observed while waiting for readers", "pending", tracker.Pending())
			return
		}
	}
}

func (p *Pipeline) readEntity(
	ctx context.Context,
	cfg reindex.Configuration,
	jc reindex.JobContext,
	entityType string,
	rdr *reader.Reader,
	tracker *reader.Tracker,
	queue chan<- reindex.IndexingTask,
) {
	total := p.entityTotal(entityType)
	p.listeners.OnEntityTypeStarted(entityType, total)
	if total == 0 || ctx.Err() != nil {
		return
	}

	onBatch := func(ctx context.Context, et string, page *reindex.Page, offset int64) error {
		if p.stopped.Load() {
			return reindex.ErrStopped
		}
		select {
		case queue <- reindex.IndexingTask{EntityType: et, Page: page, Offset: int(offset)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	onError := func(et string, err error, failed int) {
		p.readerFailed(jc, et, err, failed)
	}

	batchSize := entities.EstimateBatchSize(entityType, cfg.BatchSize)
	_, err := rdr.ReadEntity(ctx, reader.Request{
		EntityType: entityType,
		Total:      total,
		BatchSize:  batchSize,
		Window:     cfg.WindowFor(entityType),
	}, tracker, onBatch, onError)
	if err != nil && ctx.Err() == nil {
		p.readerFailed(jc, entityType, err, int(total))
	}
}

func (p *Pipeline) consume(ctx context.Context, id int, queue <-chan reindex.IndexingTask, jc reindex.JobContext, rc *reindex.RecreateContext) {
	p.logger.Trace("consumer started", "consumer", id)
	defer p.logger.Trace("consumer exited", "consumer", id)

	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()

	for {
		if p.stopped.Load() {
			return
		}
		timer.Reset(p.pollTimeout)
		select {
		case task := <-queue:
			if task.IsPoison() {
				return
			}
			p.process(ctx, task, jc, rc)
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, task reindex.IndexingTask, jc reindex.JobContext, rc *reindex.RecreateContext) {
	et := task.EntityType
	page := task.Page
	if page == nil {
		return
	}

	readSuccess := len(page.Records)
	readFailed := len(page.Errors)
	p.updateReaderStats(int64(readSuccess), int64(readFailed), int64(page.Warnings))
	p.observer.StageRecorded(reindex.StageReader, et, int64(readSuccess), int64(readFailed), int64(page.Warnings))
	if readFailed > 0 {
		p.recordFailures(ctx, jc, et, reindex.FailureStageReader, page.Errors)
	}
	if readSuccess == 0 {
		p.updateEntityStats(et, 0, int64(readFailed))
		return
	}

	bc := reindex.BatchContext{
		JobID:      jc.ID,
		EntityType: et,
		Recreate:   rc != nil,
		Offset:     task.Offset,
	}
	if rc != nil {
		bc.TargetIndex = rc.StagedIndex(et)
	}

	res, err := p.currentSink().Write(ctx, page, bc)
	switch {
	case errors.Is(err, reindex.ErrSinkRejected):
		p.logger.Warn("sink rejected batch", "entity_type", et, "offset", task.Offset, "records", readSuccess)
		p.updateEntityStats(et, 0, int64(readFailed))
	case err != nil:
		p.updateEntityStats(et, 0, int64(readFailed+readSuccess))
		p.observer.StageRecorded(reindex.StageSink, et, 0, int64(readSuccess), 0)
		p.listeners.OnError(et, fmt.Errorf("sink write failed: %w", err), p.Stats())
		p.recordFailures(ctx, jc, et, reindex.FailureStageSink, []reindex.RecordError{{Message: err.Error()}})
	default:
		p.updateEntityStats(et, int64(res.Succeeded), int64(readFailed+res.Failed))
		p.observer.StageRecorded(reindex.StageSink, et, int64(res.Succeeded), int64(res.Failed), 0)
		if len(res.Failures) > 0 {
			p.recordFailures(ctx, jc, et, reindex.FailureStageSink, res.Failures)
		}
	}

	p.observer.PendingBulkRequests(p.currentSink().ActiveBulkRequests())
	p.listeners.OnProgressUpdate(p.Stats())
}

// signalConsumers queues one poison pill per consumer behind the pending
// tasks. It blocks while the queue is full and gives up only once the run is
// stopped or cancelled.
func (p *Pipeline) signalConsumers(ctx context.Context, queue chan<- reindex.IndexingTask, n int) {
	ticker := time.NewTicker(p.pollTimeout)
	defer ticker.Stop()
	for i := 0; i < n; {
		select {
		case queue <- reindex.PoisonPill:
			i++
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.stopped.Load() {
				p.logger.Debug("stop observed while signalling consumers", "signalled", i, "consumers", n)
				return
			}
		}
	}
}

func (p *Pipeline) closeSink(sink reindex.Sink) {
	if pending := sink.PendingVectorTasks(); pending > 0 {
		p.logger.Info("waiting for pending vector tasks", "pending", pending)
		res := sink.AwaitVectorCompletion(p.vectorTimeout)
		if !res.Completed {
			p.logger.Warn("vector tasks did not complete in time",
				"pending", res.PendingTaskCount,
				"waited", res.Waited,
			)
		}
	}
	if err := sink.Close(); err != nil {
		p.logger.Warn("failed to close sink", "error", err)
	}
}

func (p *Pipeline) finalizeRecreate(ctx context.Context, handler reindex.RecreateHandler, rc *reindex.RecreateContext, success bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultFinalizeTimeout)
	defer cancel()

	var result *multierror.Error
	for _, et := range rc.EntityTypes() {
		if rc.IsPromoted(et) {
			continue
		}
		target, _ := rc.Target(et)
		if err := handler.Finalize(ctx, target, success); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", et, err))
			p.observer.PromotionResult(et, false)
			continue
		}
		if success {
			rc.MarkPromoted(et)
			p.observer.PromotionResult(et, true)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		p.logger.Error("failed to finalize recreated indices", "error", err)
	}
}

func (p *Pipeline) buildResult(start time.Time) *reindex.ExecutionResult {
	stats := p.Stats()
	elapsed := time.Since(start)

	var status reindex.Status
	switch {
	case p.stopped.Load():
		status = reindex.StatusStopped
		p.listeners.OnJobStopped(stats)
	case hasFailures(stats):
		status = reindex.StatusCompletedWithErrors
		p.listeners.OnJobCompletedWithErrors(stats, elapsed)
	default:
		status = reindex.StatusCompleted
		p.listeners.OnJobCompleted(stats, elapsed)
	}

	p.logger.Info("reindexing pipeline finished",
		"status", status,
		"total", stats.Job.Total,
		"success", stats.Job.Success,
		"failed", stats.Job.Failed,
		"elapsed", elapsed,
	)
	return reindex.ResultFromStats(stats, status, start, time.Now(), nil)
}

func hasFailures(s *reindex.Stats) bool {
	return s.Job.Failed > 0 || (s.Job.Total > 0 && s.Job.Success < s.Job.Total)
}

// Stop cancels future reads, flushes in-flight writes, drains the queue and
// waits for the worker pools of a running Execute to terminate. It is safe to
// call more than once and from any goroutine.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("stopping reindexing pipeline")

	p.runMu.Lock()
	cancel := p.cancelReads
	queue := p.queue
	n := p.consumers
	terminated := p.terminated
	p.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sink := p.currentSink(); sink != nil {
		if !sink.FlushAndAwait(p.stopFlushTimeout) {
			p.logger.Warn("sink flush did not complete before stop timeout", "timeout", p.stopFlushTimeout)
		}
	}
	if queue == nil {
		return
	}

	dropped := drainQueue(queue)
	for i := 0; i < n; i++ {
		select {
		case queue <- reindex.PoisonPill:
		default:
		}
	}

	wait := p.trackerWait + p.shutdownTimeout
	select {
	case <-terminated:
	case <-time.After(wait):
		p.logger.Warn("pipeline pools did not terminate before stop timeout", "timeout", wait)
	}
	dropped += drainQueue(queue)
	p.logger.Debug("cleared task queue", "dropped", dropped)
}

// drainQueue discards queued tasks, including poison pills nobody picked up,
// and returns how many real tasks it dropped.
func drainQueue(queue chan reindex.IndexingTask) int {
	dropped := 0
	for {
		select {
		case task := <-queue:
			if !task.IsPoison() {
				dropped++
			}
		default:
			return dropped
		}
	}
}

// IsStopped reports whether Stop was called.
func (p *Pipeline) IsStopped() bool {
	return p.stopped.Load()
}

// Stats returns a reconciled snapshot including the sink's own counters.
func (p *Pipeline) Stats() *reindex.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		p.stats.Sink = p.sink.Stats()
		p.stats.Process = p.sink.ProcessStats()
		p.stats.Vector = p.sink.VectorStats()
	}
	p.stats.Reconcile()
	return p.stats.Clone()
}

func (p *Pipeline) currentSink() reindex.Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Pipeline) initStats(ctx context.Context, jc reindex.JobContext, ordered []string, cfg reindex.Configuration) {
	stats := reindex.NewStats(ordered)
	for _, et := range ordered {
		total, err := p.source.Count(ctx, et, cfg.WindowFor(et))
		if err != nil {
			p.logger.Error("failed to count records", "entity_type", et, "error", err)
			p.recordFailures(ctx, jc, et, reindex.FailureStageReader, []reindex.RecordError{{Message: err.Error()}})
			continue
		}
		stats.Entities[et] = reindex.StepStats{Total: total}
		stats.Job.Total += total
		stats.Reader.Total += total
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = stats
}

func (p *Pipeline) entityTotal(entityType string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Entities[entityType].Total
}

func (p *Pipeline) updateReaderStats(success, failed, warnings int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Reader.Success += success
	p.stats.Reader.Failed += failed
	p.stats.Reader.Warnings += warnings
	p.stats.Reconcile()
}

// updateEntityStats adds to one entity type's counters; the job counters are
// recomputed from the per-entity sums by Reconcile.
func (p *Pipeline) updateEntityStats(entityType string, success, failed int64) {
	if success == 0 && failed == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	es := p.stats.Entities[entityType]
	es.Success += success
	es.Failed += failed
	p.stats.Entities[entityType] = es
	p.stats.Reconcile()
}

// readerFailed accounts for records a reader could not read. The count is
// capped at what is still outstanding for the entity type.
func (p *Pipeline) readerFailed(jc reindex.JobContext, entityType string, err error, failed int) {
	p.mu.Lock()
	es := p.stats.Entities[entityType]
	remaining := max(es.Total-es.Processed(), 0)
	n := min(int64(failed), remaining)
	es.Failed += n
	p.stats.Entities[entityType] = es
	p.stats.Reader.Failed += n
	p.stats.Reconcile()
	p.mu.Unlock()

	p.logger.Error("reader failed", "entity_type", entityType, "failed", n, "error", err)
	p.observer.StageRecorded(reindex.StageReader, entityType, 0, n, 0)
	p.listeners.OnError(entityType, fmt.Errorf("reader failed: %w", err), p.Stats())
	p.recordFailures(context.Background(), jc, entityType, reindex.FailureStageReader, []reindex.RecordError{{Message: err.Error()}})
}

func (p *Pipeline) recordFailures(ctx context.Context, jc reindex.JobContext, entityType string, stage reindex.FailureStage, errs []reindex.RecordError) {
	if p.failures == nil || len(errs) == 0 {
		return
	}
	now := time.Now()
	failures := make([]reindex.Failure, 0, len(errs))
	for _, e := range errs {
		failures = append(failures, reindex.Failure{
			JobID:      jc.ID,
			EntityType: entityType,
			RecordID:   e.RecordID,
			Stage:      stage,
			Message:    e.Message,
			OccurredAt: now,
		})
	}
	if err := p.failures.RecordFailures(context.WithoutCancel(ctx), failures); err != nil {
		p.logger.Warn("failed to record failures", "entity_type", entityType, "count", len(failures), "error", err)
	}
}
