// Package store persists reindexing run records and failure records with
// GORM, and optionally pushes run status to a publisher.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/orchestrator"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/publisher"
)

// DefaultJobName is the job name used when none is configured.
const DefaultJobName = "SearchIndexingApplication"

// DefaultProgressInterval bounds how often live stats are written to the run
// record.
const DefaultProgressInterval = 15 * time.Second

// failureBatchSize is the insert batch size for failure records.
const failureBatchSize = 500

// JobStore is an orchestrator.Context backed by a database.
type JobStore struct {
	db               *gorm.DB
	jobName          string
	publisher        publisher.Publisher
	progressInterval time.Duration
	logger           hclog.Logger
}

// Option is a functional option for creating a JobStore.
type Option func(*JobStore)

// WithJobName sets the job name runs are recorded under.
func WithJobName(name string) Option {
	return func(s *JobStore) {
		s.jobName = name
	}
}

// WithPublisher sets where run status is pushed.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *JobStore) {
		s.publisher = p
	}
}

// WithProgressInterval sets how often live stats are persisted.
func WithProgressInterval(d time.Duration) Option {
	return func(s *JobStore) {
		s.progressInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *JobStore) {
		s.logger = logger
	}
}

// New creates a JobStore.
func New(db *gorm.DB, opts ...Option) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &JobStore{
		db:               db,
		jobName:          DefaultJobName,
		progressInterval: DefaultProgressInterval,
		logger:           hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")
	return s, nil
}

// JobName returns the job name runs are recorded under.
func (s *JobStore) JobName() string {
	return s.jobName
}

// StoreRunRecord inserts the initial record of a run.
func (s *JobStore) StoreRunRecord(ctx context.Context, rec orchestrator.RunRecord) error {
	run, err := toModel(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to store run record %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateRunRecord overwrites the stored record of a run.
func (s *JobStore) UpdateRunRecord(ctx context.Context, rec orchestrator.RunRecord) error {
	run, err := toModel(rec)
	if err != nil {
		return err
	}
	if err := run.Upsert(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to update run record %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteFailures removes failure records left by earlier runs of this job.
func (s *JobStore) DeleteFailures(ctx context.Context) error {
	runs := s.db.Model(&models.ReindexRun{}).Select("id").Where("job_name = ?", s.jobName)
	err := s.db.WithContext(ctx).
		Where("job_id IN (?)", runs).
		Delete(&models.ReindexFailure{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete failure records: %w", err)
	}
	return nil
}

// CountFailures returns the number of failures recorded for runID.
func (s *JobStore) CountFailures(ctx context.Context, runID string) (int64, error) {
	n, err := models.CountFailures(s.db.WithContext(ctx), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to count failure records: %w", err)
	}
	return n, nil
}

// RecordFailures persists failures.
func (s *JobStore) RecordFailures(ctx context.Context, failures []reindex.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([]models.ReindexFailure, 0, len(failures))
	for _, f := range failures {
		at := f.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		rows = append(rows, models.ReindexFailure{
			JobID:      f.JobID,
			EntityType: f.EntityType,
			RecordID:   f.RecordID,
			Stage:      string(f.Stage),
			Message:    f.Message,
			OccurredAt: at,
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, failureBatchSize).Error; err != nil {
		return fmt.Errorf("failed to record %d failures: %w", len(rows), err)
	}
	return nil
}

// PushStatus publishes rec when a publisher is configured.
func (s *JobStore) PushStatus(ctx context.Context, rec orchestrator.RunRecord) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Publish(ctx, StatusEvent(rec))
}

// ProgressListener returns a listener that keeps the stored stats of rec
// current while the run is in progress.
func (s *JobStore) ProgressListener(rec orchestrator.RunRecord) reindex.ProgressListener {
	return &progressWriter{
		db:       s.db,
		runID:    rec.ID,
		interval: s.progressInterval,
		logger:   s.logger,
	}
}

// LoadRun returns the stored record of runID.
func (s *JobStore) LoadRun(ctx context.Context, runID string) (*orchestrator.RunRecord, error) {
	run := &models.ReindexRun{ID: runID}
	if err := run.Get(s.db.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return fromModel(run)
}

// LatestRun returns the most recent run of this job.
func (s *JobStore) LatestRun(ctx context.Context) (*orchestrator.RunRecord, error) {
	run, err := models.LatestRun(s.db.WithContext(ctx), s.jobName)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run of %s: %w", s.jobName, err)
	}
	return fromModel(run)
}

// StatusEvent converts a run record into a status event.
func StatusEvent(rec orchestrator.RunRecord) publisher.StatusEvent {
	ev := publisher.StatusEvent{
		RunID:          rec.ID,
		JobName:        rec.JobName,
		Status:         string(rec.Status),
		StartedAt:      rec.StartedAt,
		Stats:          rec.Stats,
		SuccessContext: rec.SuccessContext,
		FailureMessage: rec.FailureMessage,
		FailureCount:   rec.FailureCount,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		ev.EndedAt = &ended
	}
	return ev
}

func toModel(rec orchestrator.RunRecord) (*models.ReindexRun, error) {
	run := &models.ReindexRun{
		ID:             rec.ID,
		JobName:        rec.JobName,
		Status:         string(rec.Status),
		StartedAt:      rec.StartedAt,
		FailureMessage: rec.FailureMessage,
		FailureCount:   rec.FailureCount,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		run.EndedAt = &ended
	}

	var err error
	if run.Config, err = models.NewJSON(rec.Config); err != nil {
		return nil, err
	}
	if rec.Stats != nil {
		if run.Stats, err = models.NewJSON(rec.Stats); err != nil {
			return nil, err
		}
	}
	if rec.SuccessContext != nil {
		if run.SuccessContext, err = models.NewJSON(rec.SuccessContext); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func fromModel(run *models.ReindexRun) (*orchestrator.RunRecord, error) {
	rec := &orchestrator.RunRecord{
		ID:             run.ID,
		JobName:        run.JobName,
		Status:         orchestrator.RunStatus(run.Status),
		StartedAt:      run.StartedAt,
		FailureMessage: run.FailureMessage,
		FailureCount:   run.FailureCount,
	}
	if run.EndedAt != nil {
		rec.EndedAt = *run.EndedAt
	}
	if err := run.Config.Decode(&rec.Config); err != nil {
		return nil, fmt.Errorf("failed to decode run config: %w", err)
	}
	if len(run.Stats) > 0 && string(run.Stats) != "null" {
		rec.Stats = &reindex.Stats{}
		if err := run.Stats.Decode(rec.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode run stats: %w", err)
		}
	}
	if err := run.SuccessContext.Decode(&rec.SuccessContext); err != nil {
		return nil, fmt.Errorf("failed to decode success context: %w", err)
	}
	return rec, nil
}

// progressWriter writes live stats onto the run record at most once per
// interval.
type progressWriter struct {
	reindex.NopListener

	db       *gorm.DB
	runID    string
	interval time.Duration
	logger   hclog.Logger

	mu        sync.Mutex
	lastWrite time.Time
}

func (w *progressWriter) OnProgressUpdate(stats *reindex.Stats) {
	w.mu.Lock()
	now := time.Now()
	if now.Sub(w.lastWrite) < w.interval {
		w.mu.Unlock()
		return
	}
	w.lastWrite = now
	w.mu.Unlock()

	value, err := models.NewJSON(stats)
	if err != nil {
		w.logger.Warn("failed to encode progress", "run_id", w.runID, "error", err)
		return
	}
	err = w.db.Model(&models.ReindexRun{}).
		Where("id = ?", w.runID).
		Update("stats", value).Error
	if err != nil {
		w.logger.Warn("failed to persist progress", "run_id", w.runID, "error", err)
	}
}

var (
	_ orchestrator.Context    = (*JobStore)(nil)
	_ reindex.FailureRecorder = (*JobStore)(nil)
)
