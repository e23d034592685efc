// Package distributed coordinates a reindexing job across servers through
// partition rows in a shared database. Every server runs workers that claim
// pending partitions with a conditional update, index them, and report their
// counters in a per-server stats row.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/reader"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/strategy"
)

const (
	DefaultWorkers                = 2
	DefaultPartitionSize          = 10000
	DefaultMaxPartitionsPerEntity = 64
	DefaultClaimTimeout           = 10 * time.Minute
)

// Config configures an Executor.
type Config struct {
	DB     *gorm.DB
	Source reindex.Source

	// ServerID identifies this server in claims and stats rows. Defaults to
	// a random UUID.
	ServerID string

	Workers                int
	PartitionSize          int64
	MaxPartitionsPerEntity int

	// ClaimTimeout is how long a RUNNING partition may go without progress
	// before another server may claim it again.
	ClaimTimeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Failures reindex.FailureRecorder
	Observer reindex.Observer
	Logger   hclog.Logger
}

// Executor implements strategy.DistributedExecutor on GORM.
type Executor struct {
	db            *gorm.DB
	source        reindex.Source
	reader        *reader.Reader
	serverID      string
	workers       int
	partitionSize int64
	maxPartitions int
	claimTimeout  time.Duration
	failures      reindex.FailureRecorder
	observer      reindex.Observer
	logger        hclog.Logger

	promoteMu sync.Mutex

	countsMu sync.Mutex
	counts   map[string]*serverCounts
}

// serverCounts are this server's reader counters for one job. Sink, process
// and vector counters come from the sink itself.
type serverCounts struct {
	readerSuccess  int64
	readerFailed   int64
	readerWarnings int64
}

var _ strategy.DistributedExecutor = (*Executor)(nil)

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PartitionSize <= 0 {
		cfg.PartitionSize = DefaultPartitionSize
	}
	if cfg.MaxPartitionsPerEntity <= 0 {
		cfg.MaxPartitionsPerEntity = DefaultMaxPartitionsPerEntity
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	logger := cfg.Logger.Named("executor").With("server_id", cfg.ServerID)

	rd, err := reader.New(reader.Config{
		Source:     cfg.Source,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Executor{
		db:            cfg.DB,
		source:        cfg.Source,
		reader:        rd,
		serverID:      cfg.ServerID,
		workers:       cfg.Workers,
		partitionSize: cfg.PartitionSize,
		maxPartitions: cfg.MaxPartitionsPerEntity,
		claimTimeout:  cfg.ClaimTimeout,
		failures:      cfg.Failures,
		observer:      reindex.ObserverOrNop(cfg.Observer),
		logger:        logger,
		counts:        make(map[string]*serverCounts),
	}, nil
}

// ServerID returns the id this executor claims partitions under.
func (e *Executor) ServerID() string {
	return e.serverID
}

// CreateJob counts every entity type, splits it into partitions of roughly
// PartitionSize records and persists the job and its partitions.
func (e *Executor) CreateJob(ctx context.Context, jc reindex.JobContext, cfg reindex.Configuration) (*strategy.Job, error) {
	job := &models.DistributedJob{
		ID:     uuid.NewString(),
		RunID:  jc.ID,
		Status: string(strategy.JobPending),
	}
	var err error
	if job.Config, err = models.NewJSON(cfg); err != nil {
		return nil, err
	}
	if len(jc.Targets) > 0 {
		if job.Targets, err = models.NewJSON(jc.Targets); err != nil {
			return nil, err
		}
	}

	var partitions []models.ReindexPartition
	for _, et := range entities.SortByPriority(cfg.Entities) {
		window := cfg.WindowFor(et)
		total, err := e.source.Count(ctx, et, window)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", et, err)
		}
		if total == 0 {
			continue
		}
		parts, err := e.partition(ctx, job.ID, et, total)
		if err != nil {
			return nil, err
		}
		job.Total += total
		partitions = append(partitions, parts...)
	}
	if len(partitions) == 0 {
		now := time.Now()
		job.Status = string(reindex.StatusCompleted)
		job.CompletedAt = &now
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if len(partitions) > 0 {
			return tx.CreateInBatches(partitions, 100).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist distributed job: %w", err)
	}

	e.logger.Info("created distributed job",
		"distributed_job_id", job.ID,
		"run_id", jc.ID,
		"total", job.Total,
		"partitions", len(partitions),
	)
	return e.Job(ctx, job.ID)
}

func (e *Executor) partition(ctx context.Context, jobID, entityType string, total int64) ([]models.ReindexPartition, error) {
	planned := int((total + e.partitionSize - 1) / e.partitionSize)
	planned = min(max(planned, 1), e.maxPartitions)

	cursors, err := e.source.FindBoundaries(ctx, entityType, planned, total)
	if err != nil {
		return nil, fmt.Errorf("failed to find boundaries for %s: %w", entityType, err)
	}
	if len(cursors) == 0 {
		cursors = []string{""}
	}

	// Boundaries are spaced for the planned count; the last partition takes
	// whatever is left.
	per := (total + int64(planned) - 1) / int64(planned)
	out := make([]models.ReindexPartition, 0, len(cursors))
	for i, cursor := range cursors {
		limit := per
		if i == len(cursors)-1 {
			limit = total - int64(i)*per
		}
		out = append(out, models.ReindexPartition{
			ID:             uuid.NewString(),
			JobID:          jobID,
			EntityType:     entityType,
			PartitionIndex: i,
			StartCursor:    cursor,
			StartOffset:    int64(i) * per,
			Limit:          limit,
			Status:         models.PartitionPending,
		})
	}
	return out, nil
}

// Run starts the workers and blocks until no partition is left to claim, the
// job becomes terminal, or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, jobID string, opts strategy.RunOptions) error {
	if opts.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	job := &models.DistributedJob{ID: jobID}
	if err := job.Get(e.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to load distributed job %s: %w", jobID, err)
	}
	var cfg reindex.Configuration
	if err := job.Config.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to decode job configuration: %w", err)
	}
	cfg = cfg.Resolve()

	e.logger.Info("starting workers", "distributed_job_id", jobID, "workers", e.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		worker := i
		g.Go(func() error {
			return e.work(gctx, worker, job, cfg, opts)
		})
	}
	err := g.Wait()

	dbCtx := context.WithoutCancel(ctx)
	if serr := e.writeServerStats(dbCtx, jobID, opts.Sink); serr != nil {
		e.logger.Warn("failed to write server stats", "distributed_job_id", jobID, "error", serr)
	}
	if uerr := e.updateJobStatus(dbCtx, jobID); uerr != nil {
		e.logger.Warn("failed to update job status", "distributed_job_id", jobID, "error", uerr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (e *Executor) work(ctx context.Context, worker int, job *models.DistributedJob, cfg reindex.Configuration, opts strategy.RunOptions) error {
	logger := e.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		active, err := e.jobActive(ctx, job.ID)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}

		p, err := e.claim(ctx, job.ID)
		if err != nil {
			return err
		}
		if p == nil {
			logger.Debug("no partitions left to claim")
			return nil
		}

		logger.Debug("claimed partition",
			"entity_type", p.EntityType,
			"partition", p.PartitionIndex,
			"limit", p.Limit,
		)
		if err := e.process(ctx, job, cfg, p, opts); err != nil {
			return err
		}
	}
}

// jobActive reports whether workers should keep claiming partitions.
func (e *Executor) jobActive(ctx context.Context, jobID string) (bool, error) {
	var statuses []string
	err := e.db.WithContext(ctx).
		Model(&models.DistributedJob{}).
		Where("id = ?", jobID).
		Pluck("status", &statuses).Error
	if err != nil {
		return false, fmt.Errorf("failed to read job status: %w", err)
	}
	if len(statuses) == 0 {
		return false, fmt.Errorf("distributed job %s not found", jobID)
	}
	return !reindex.Status(statuses[0]).Terminal(), nil
}

// claim takes the next pending partition, or a RUNNING one whose claim went
// stale. It returns nil when nothing is left.
func (e *Executor) claim(ctx context.Context, jobID string) (*models.ReindexPartition, error) {
	db := e.db.WithContext(ctx)
	for {
		now := time.Now()
		stale := now.Add(-e.claimTimeout)

		var p models.ReindexPartition
		err := db.
			Where("job_id = ? AND (status = ? OR (status = ? AND claimed_at < ?))",
				jobID, models.PartitionPending, models.PartitionRunning, stale).
			Order("partition_index ASC").
			Order("entity_type ASC").
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find claimable partition: %w", err)
		}

		res := db.Model(&models.ReindexPartition{}).
			Where("id = ? AND status = ? AND claimed_by = ?", p.ID, p.Status, p.ClaimedBy).
			Updates(map[string]interface{}{
				"status":     models.PartitionRunning,
				"claimed_by": e.serverID,
				"claimed_at": now,
				"processed":  0,
				"success":    0,
				"failed":     0,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim partition %s: %w", p.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Another server won the race.
			continue
		}

		if err := e.markRunning(ctx, jobID); err != nil {
			return nil, err
		}
		p.Status = models.PartitionRunning
		p.ClaimedBy = e.serverID
		p.ClaimedAt = &now
		return &p, nil
	}
}

func (e *Executor) markRunning(ctx context.Context, jobID string) error {
	err := e.db.WithContext(ctx).
		Model(&models.DistributedJob{}).
		Where("id = ? AND status = ?", jobID, string(strategy.JobPending)).
		Update("status", string(strategy.JobRunning)).Error
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// partitionResult accumulates the outcome of one partition.
type partitionResult struct {
	processed int64
	success   int64
	failed    int64
}

// process indexes one partition page by page.
func (e *Executor) process(ctx context.Context, job *models.DistributedJob, cfg reindex.Configuration, p *models.ReindexPartition, opts strategy.RunOptions) error {
	et := p.EntityType
	req := reader.Request{
		EntityType: et,
		Total:      p.Limit,
		BatchSize:  entities.EstimateBatchSize(et, cfg.BatchSize),
		Window:     cfg.WindowFor(et),
	}
	rc := opts.RecreateContext

	var (
		res     partitionResult
		covered int64
		cursor  = p.StartCursor
		readErr error
		stopped bool
	)
	for p.Limit == 0 || covered < p.Limit {
		if ctx.Err() != nil {
			break
		}
		active, err := e.jobActive(ctx, job.ID)
		if err != nil {
			return err
		}
		if !active {
			stopped = true
			break
		}

		size := int64(req.BatchSize)
		if p.Limit > 0 {
			size = min(size, p.Limit-covered)
		}
		page, err := e.reader.ReadPage(ctx, req, cursor, int(size))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			readErr = err
			res.processed += size
			res.failed += size
			e.addReaderCounts(job.ID, 0, size, 0)
			e.observer.StageRecorded(reindex.StageReader, et, 0, size, 0)
			e.recordFailures(ctx, job.RunID, et, reindex.FailureStageReader, []reindex.RecordError{{Message: err.Error()}})
			break
		}
		if page.Empty() {
			break
		}

		e.writePage(ctx, job, p, page, p.StartOffset+covered, opts.Sink, rc, &res)
		covered += int64(page.Processed())
		if err := e.saveProgress(ctx, p.ID, res); err != nil {
			return err
		}

		if page.After == "" {
			break
		}
		cursor = page.After
	}

	if ctx.Err() != nil {
		// Leave the claim in place; it goes stale and is picked up again.
		return ctx.Err()
	}
	if stopped {
		e.logger.Debug("job stopped, leaving partition", "entity_type", et, "partition", p.PartitionIndex)
		return nil
	}
	return e.complete(ctx, job, p, res, readErr, opts)
}

func (e *Executor) writePage(ctx context.Context, job *models.DistributedJob, p *models.ReindexPartition, page *reindex.Page, offset int64, sink reindex.Sink, rc *reindex.RecreateContext, res *partitionResult) {
	et := p.EntityType
	readSuccess := int64(len(page.Records))
	readFailed := int64(len(page.Errors))

	e.addReaderCounts(job.ID, readSuccess, readFailed, int64(page.Warnings))
	e.observer.StageRecorded(reindex.StageReader, et, readSuccess, readFailed, int64(page.Warnings))
	if readFailed > 0 {
		e.recordFailures(ctx, job.RunID, et, reindex.FailureStageReader, page.Errors)
	}
	res.processed += readFailed
	res.failed += readFailed
	if readSuccess == 0 {
		return
	}

	bc := reindex.BatchContext{
		JobID:      job.RunID,
		EntityType: et,
		Recreate:   rc != nil,
		Offset:     int(offset),
	}
	if rc != nil {
		bc.TargetIndex = rc.StagedIndex(et)
	}

	wr, err := sink.Write(ctx, page, bc)
	switch {
	case errors.Is(err, reindex.ErrSinkRejected):
		// Rejected records are neither successes nor failures.
		e.logger.Warn("sink rejected batch", "entity_type", et, "offset", offset, "records", readSuccess)
	case err != nil:
		res.processed += readSuccess
		res.failed += readSuccess
		e.observer.StageRecorded(reindex.StageSink, et, 0, readSuccess, 0)
		e.recordFailures(ctx, job.RunID, et, reindex.FailureStageSink, []reindex.RecordError{{Message: err.Error()}})
	default:
		res.processed += int64(wr.Succeeded + wr.Failed)
		res.success += int64(wr.Succeeded)
		res.failed += int64(wr.Failed)
		e.observer.StageRecorded(reindex.StageSink, et, int64(wr.Succeeded), int64(wr.Failed), 0)
		if len(wr.Failures) > 0 {
			e.recordFailures(ctx, job.RunID, et, reindex.FailureStageSink, wr.Failures)
		}
	}
	e.observer.PendingBulkRequests(sink.ActiveBulkRequests())
}

func (e *Executor) saveProgress(ctx context.Context, partitionID string, res partitionResult) error {
	err := e.db.WithContext(ctx).
		Model(&models.ReindexPartition{}).
		Where("id = ? AND claimed_by = ?", partitionID, e.serverID).
		Updates(map[string]interface{}{
			"processed":  res.processed,
			"success":    res.success,
			"failed":     res.failed,
			"claimed_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save partition progress: %w", err)
	}
	return nil
}

// complete closes out a partition, adds its counts to the job, publishes this
// server's stats, and promotes the entity's staged index once every one of
// its partitions has completed.
func (e *Executor) complete(ctx context.Context, job *models.DistributedJob, p *models.ReindexPartition, res partitionResult, readErr error, opts strategy.RunOptions) error {
	status := models.PartitionCompleted
	var message string
	if readErr != nil {
		status = models.PartitionFailed
		message = readErr.Error()
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.ReindexPartition{}).
			Where("id = ? AND claimed_by = ?", p.ID, e.serverID).
			Updates(map[string]interface{}{
				"status":    status,
				"processed": res.processed,
				"success":   res.success,
				"failed":    res.failed,
				"error":     message,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			// The claim went stale and someone else owns the partition now.
			return nil
		}
		return tx.Model(&models.DistributedJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"processed": gorm.Expr("processed + ?", res.processed),
				"success":   gorm.Expr("success + ?", res.success),
				"failed":    gorm.Expr("failed + ?", res.failed),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to complete partition %s: %w", p.ID, err)
	}

	e.logger.Debug("finished partition",
		"entity_type", p.EntityType,
		"partition", p.PartitionIndex,
		"status", status,
		"success", res.success,
		"failed", res.failed,
	)

	if err := e.writeServerStats(ctx, job.ID, opts.Sink); err != nil {
		e.logger.Warn("failed to write server stats", "distributed_job_id", job.ID, "error", err)
	}
	if status == models.PartitionCompleted {
		e.maybePromote(ctx, job.ID, p.EntityType, opts)
	}
	return e.updateJobStatus(ctx, job.ID)
}

// maybePromote finalizes the staged index of entityType when all of its
// partitions have completed.
func (e *Executor) maybePromote(ctx context.Context, jobID, entityType string, opts strategy.RunOptions) {
	rc := opts.RecreateContext
	if rc == nil || opts.Recreate == nil {
		return
	}

	e.promoteMu.Lock()
	defer e.promoteMu.Unlock()
	if rc.IsPromoted(entityType) {
		return
	}

	var remaining int64
	err := e.db.WithContext(ctx).
		Model(&models.ReindexPartition{}).
		Where("job_id = ? AND entity_type = ? AND status <> ?", jobID, entityType, models.PartitionCompleted).
		Count(&remaining).Error
	if err != nil {
		e.logger.Warn("failed to check entity completion", "entity_type", entityType, "error", err)
		return
	}
	if remaining > 0 {
		return
	}

	target, ok := rc.Target(entityType)
	if !ok {
		return
	}
	if err := opts.Recreate.Finalize(context.WithoutCancel(ctx), target, true); err != nil {
		e.logger.Error("failed to promote staged index", "entity_type", entityType, "error", err)
		return
	}
	rc.MarkPromoted(entityType)
}

// updateJobStatus derives the job status from its partitions. Terminal jobs
// are left alone.
func (e *Executor) updateJobStatus(ctx context.Context, jobID string) error {
	type statusCount struct {
		Status string
		N      int64
	}
	var rows []statusCount
	err := e.db.WithContext(ctx).
		Model(&models.ReindexPartition{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to count partitions: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, r := range rows {
		counts[r.Status] = r.N
		total += r.N
	}
	if counts[models.PartitionPending]+counts[models.PartitionRunning] > 0 {
		return nil
	}

	job := &models.DistributedJob{ID: jobID}
	if err := job.Get(e.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to load distributed job: %w", err)
	}

	status := reindex.StatusCompleted
	switch {
	case total > 0 && counts[models.PartitionFailed] == total:
		status = reindex.StatusFailed
	case counts[models.PartitionFailed] > 0 || job.Failed > 0 || job.Success < job.Total:
		status = reindex.StatusCompletedWithErrors
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":       string(status),
		"completed_at": now,
	}
	if status == reindex.StatusFailed {
		updates["error"] = "every partition failed"
	}
	err = e.db.WithContext(ctx).
		Model(&models.DistributedJob{}).
		Where("id = ? AND status IN ?", jobID, []string{string(strategy.JobPending), string(strategy.JobRunning)}).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (e *Executor) addReaderCounts(jobID string, success, failed, warnings int64) {
	e.countsMu.Lock()
	defer e.countsMu.Unlock()
	c, ok := e.counts[jobID]
	if !ok {
		c = &serverCounts{}
		e.counts[jobID] = c
	}
	c.readerSuccess += success
	c.readerFailed += failed
	c.readerWarnings += warnings
}

// writeServerStats upserts this server's counters for jobID.
func (e *Executor) writeServerStats(ctx context.Context, jobID string, sink reindex.Sink) error {
	e.countsMu.Lock()
	var c serverCounts
	if cur, ok := e.counts[jobID]; ok {
		c = *cur
	}
	e.countsMu.Unlock()

	sinkStats := sink.Stats()
	process := sink.ProcessStats()
	vector := sink.VectorStats()
	row := models.ReindexServerStats{
		JobID:          jobID,
		ServerID:       e.serverID,
		ReaderSuccess:  c.readerSuccess,
		ReaderFailed:   c.readerFailed,
		ReaderWarnings: c.readerWarnings,
		ProcessSuccess: process.Success,
		ProcessFailed:  process.Failed,
		SinkSuccess:    sinkStats.Success,
		SinkFailed:     sinkStats.Failed,
		VectorSuccess:  vector.Success,
		VectorFailed:   vector.Failed,
		UpdatedAt:      time.Now(),
	}
	return e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"reader_success", "reader_failed", "reader_warnings",
			"process_success", "process_failed",
			"sink_success", "sink_failed",
			"vector_success", "vector_failed",
			"updated_at",
		}),
	}).Create(&row).Error
}

func (e *Executor) recordFailures(ctx context.Context, runID, entityType string, stage reindex.FailureStage, errs []reindex.RecordError) {
	if e.failures == nil || len(errs) == 0 {
		return
	}
	now := time.Now()
	failures := make([]reindex.Failure, 0, len(errs))
	for _, re := range errs {
		failures = append(failures, reindex.Failure{
			JobID:      runID,
			EntityType: entityType,
			RecordID:   re.RecordID,
			Stage:      stage,
			Message:    re.Message,
			OccurredAt: now,
		})
	}
	if err := e.failures.RecordFailures(context.WithoutCancel(ctx), failures); err != nil {
		e.logger.Warn("failed to record failures", "entity_type", entityType, "count", len(failures), "error", err)
	}
}

// ErrNoActiveJob is returned by Assignment when there is no job to join.
var ErrNoActiveJob = errors.New("no active distributed job")

// Assignment is what a server needs to join a job it did not create.
type Assignment struct {
	JobID  string
	Config reindex.Configuration

	// RecreateContext is nil unless the job rebuilds into staged indices.
	RecreateContext *reindex.RecreateContext
}

// Assignment loads the configuration and staged indices of jobID. An empty
// jobID selects the most recently created job that is not terminal.
func (e *Executor) Assignment(ctx context.Context, jobID string) (*Assignment, error) {
	db := e.db.WithContext(ctx)
	job := &models.DistributedJob{ID: jobID}
	if jobID == "" {
		terminal := []string{
			string(reindex.StatusCompleted),
			string(reindex.StatusCompletedWithErrors),
			string(reindex.StatusFailed),
			string(reindex.StatusStopped),
		}
		err := db.Where("status NOT IN ?", terminal).Order("created_at DESC").First(job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveJob
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find active distributed job: %w", err)
		}
	} else if err := job.Get(db); err != nil {
		return nil, fmt.Errorf("failed to load distributed job %s: %w", jobID, err)
	}

	a := &Assignment{JobID: job.ID}
	if err := job.Config.Decode(&a.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job configuration: %w", err)
	}
	a.Config = a.Config.Resolve()

	var targets []reindex.IndexTarget
	if err := job.Targets.Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode staged indices: %w", err)
	}
	if len(targets) > 0 {
		a.RecreateContext = reindex.NewRecreateContext()
		for _, t := range targets {
			a.RecreateContext.Add(t)
		}
	}
	return a, nil
}

// Job returns the coordinator's view of jobID with per-entity counts summed
// from its partitions.
func (e *Executor) Job(ctx context.Context, jobID string) (*strategy.Job, error) {
	db := e.db.WithContext(ctx)
	job := &models.DistributedJob{ID: jobID}
	if err := job.Get(db); err != nil {
		return nil, fmt.Errorf("failed to load distributed job %s: %w", jobID, err)
	}

	type entityRow struct {
		EntityType  string
		RecordLimit int64
		Processed   int64
		Success     int64
		Failed      int64
	}
	var rows []entityRow
	err := db.Model(&models.ReindexPartition{}).
		Select("entity_type, SUM(record_limit) AS record_limit, SUM(processed) AS processed, SUM(success) AS success, SUM(failed) AS failed").
		Where("job_id = ?", jobID).
		Group("entity_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum partitions: %w", err)
	}

	var servers int64
	err = db.Model(&models.ReindexServerStats{}).Where("job_id = ?", jobID).Count(&servers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count servers: %w", err)
	}

	out := &strategy.Job{
		ID:          job.ID,
		Status:      reindex.Status(job.Status),
		Total:       job.Total,
		Processed:   job.Processed,
		Success:     job.Success,
		Failed:      job.Failed,
		Entities:    make(map[string]reindex.StepStats, len(rows)),
		ServerCount: int(servers),
		Error:       job.Error,
	}
	for _, r := range rows {
		total := max(r.RecordLimit, r.Processed)
		out.Entities[r.EntityType] = reindex.StepStats{Total: total, Success: r.Success, Failed: r.Failed}
	}
	return out, nil
}

// AggregatedServerStats sums the stats rows of every server that worked on
// jobID.
func (e *Executor) AggregatedServerStats(ctx context.Context, jobID string) (*strategy.ServerStats, error) {
	var row struct {
		ReaderSuccess  int64
		ReaderFailed   int64
		ReaderWarnings int64
		ProcessSuccess int64
		ProcessFailed  int64
		SinkSuccess    int64
		SinkFailed     int64
		VectorSuccess  int64
		VectorFailed   int64
		ServerCount    int64
	}
	err := e.db.WithContext(ctx).
		Model(&models.ReindexServerStats{}).
		Select(`COALESCE(SUM(reader_success), 0) AS reader_success,
			COALESCE(SUM(reader_failed), 0) AS reader_failed,
			COALESCE(SUM(reader_warnings), 0) AS reader_warnings,
			COALESCE(SUM(process_success), 0) AS process_success,
			COALESCE(SUM(process_failed), 0) AS process_failed,
			COALESCE(SUM(sink_success), 0) AS sink_success,
			COALESCE(SUM(sink_failed), 0) AS sink_failed,
			COALESCE(SUM(vector_success), 0) AS vector_success,
			COALESCE(SUM(vector_failed), 0) AS vector_failed,
			COUNT(*) AS server_count`).
		Where("job_id = ?", jobID).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate server stats: %w", err)
	}
	return &strategy.ServerStats{
		ReaderSuccess:  row.ReaderSuccess,
		ReaderFailed:   row.ReaderFailed,
		ReaderWarnings: row.ReaderWarnings,
		ProcessSuccess: row.ProcessSuccess,
		ProcessFailed:  row.ProcessFailed,
		SinkSuccess:    row.SinkSuccess,
		SinkFailed:     row.SinkFailed,
		VectorSuccess:  row.VectorSuccess,
		VectorFailed:   row.VectorFailed,
		ServerCount:    int(row.ServerCount),
	}, nil
}

// Stop marks jobID stopped. Workers notice before their next page and exit.
func (e *Executor) Stop(ctx context.Context, jobID string) error {
	now := time.Now()
	err := e.db.WithContext(ctx).
		Model(&models.DistributedJob{}).
		Where("id = ? AND status IN ?", jobID, []string{string(strategy.JobPending), string(strategy.JobRunning)}).
		Updates(map[string]interface{}{
			"status":       string(reindex.StatusStopped),
			"completed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to stop distributed job %s: %w", jobID, err)
	}
	e.logger.Info("stopped distributed job", "distributed_job_id", jobID)
	return nil
}
