// Package reader pages entity types out of a reindex.Source with a bounded
// number of parallel readers per type.
package reader

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
)

const (
	DefaultMaxReaders = 5
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// Runner runs reader loops, typically on a bounded worker pool.
type Runner interface {
	Go(task func()) error
}

type goroutineRunner struct{}

func (goroutineRunner) Go(task func()) error {
	go task()
	return nil
}

// BatchFunc receives each page read. Returning an error stops that reader.
type BatchFunc func(ctx context.Context, entityType string, page *reindex.Page, offset int64) error

// ErrorFunc is told about a reader that gave up. failed is the number of
// records the failed read would have covered.
type ErrorFunc func(entityType string, err error, failed int)

// Config configures a Reader.
type Config struct {
	Source     reindex.Source
	Runner     Runner
	MaxReaders int
	// MaxRetries defaults to 3; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     hclog.Logger
}

// Reader fans one entity type out over parallel paged readers.
type Reader struct {
	source     reindex.Source
	runner     Runner
	maxReaders int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     hclog.Logger
}

// New creates a Reader.
func New(cfg Config) (*Reader, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Runner == nil {
		cfg.Runner = goroutineRunner{}
	}
	if cfg.MaxReaders <= 0 {
		cfg.MaxReaders = DefaultMaxReaders
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Reader{
		source:     cfg.Source,
		runner:     cfg.Runner,
		maxReaders: cfg.MaxReaders,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		logger:     cfg.Logger.Named("entity-reader"),
	}, nil
}

// Request describes one entity type to read.
type Request struct {
	EntityType string
	Total      int64
	BatchSize  int
	Window     *reindex.TimeWindow
}

// ReaderCount returns ceil(total/batchSize) capped at maxReaders.
func ReaderCount(total int64, batchSize, maxReaders int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	n := (total + int64(batchSize) - 1) / int64(batchSize)
	return int(min(n, int64(maxReaders)))
}

// ReadEntity starts the readers for req and returns how many were started.
// Every started reader arrives on tracker exactly once when it exits; readers
// that were planned but could not be started are arrived immediately.
func (r *Reader) ReadEntity(ctx context.Context, req Request, tracker *Tracker, onBatch BatchFunc, onError ErrorFunc) (int, error) {
	if req.BatchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive for %s", req.EntityType)
	}
	planned := ReaderCount(req.Total, req.BatchSize, r.maxReaders)
	if planned == 0 {
		return 0, nil
	}
	tracker.Register(planned)

	boundaries, err := r.boundaries(ctx, req, planned)
	if err != nil {
		tracker.ArriveN(planned)
		return 0, fmt.Errorf("failed to find boundaries for %s: %w", req.EntityType, err)
	}
	if len(boundaries) > planned {
		boundaries = boundaries[:planned]
	}
	if missing := planned - len(boundaries); missing > 0 {
		r.logger.Debug("fewer boundaries than readers",
			"entity_type", req.EntityType,
			"planned", planned,
			"actual", len(boundaries),
		)
		tracker.ArriveN(missing)
	}
	actual := len(boundaries)
	if actual == 0 {
		return 0, nil
	}

	// Boundaries are spaced for the planned reader count, so limits are too.
	perReader := (req.Total + int64(planned) - 1) / int64(planned)
	started := 0
	for i, cursor := range boundaries {
		limit := perReader
		if i == actual-1 {
			limit = 0
		}
		startOffset := int64(i) * perReader
		err := r.runner.Go(func() {
			defer tracker.Arrive()
			r.readPartition(ctx, req, cursor, startOffset, limit, onBatch, onError)
		})
		if err != nil {
			r.logger.Warn("could not start reader", "entity_type", req.EntityType, "reader", i, "error", err)
			tracker.Arrive()
			continue
		}
		started++
	}

	r.logger.Debug("started readers",
		"entity_type", req.EntityType,
		"total", req.Total,
		"batch_size", req.BatchSize,
		"readers", started,
	)
	return started, nil
}

func (r *Reader) boundaries(ctx context.Context, req Request, readers int) ([]string, error) {
	if entities.IsTimeSeries(req.EntityType) {
		perReader := (req.Total + int64(readers) - 1) / int64(readers)
		out := make([]string, readers)
		for i := range out {
			out[i] = entities.EncodeOffset(int64(i) * perReader)
		}
		return out, nil
	}
	if readers == 1 {
		return []string{""}, nil
	}
	return r.source.FindBoundaries(ctx, req.EntityType, readers, req.Total)
}

// readPartition pages from cursor until the source runs dry, limit records
// were covered (0 means unlimited), or ctx is cancelled.
func (r *Reader) readPartition(ctx context.Context, req Request, cursor string, startOffset, limit int64, onBatch BatchFunc, onError ErrorFunc) {
	var processed int64
	for {
		if ctx.Err() != nil {
			return
		}

		pageSize := int64(req.BatchSize)
		if limit > 0 {
			pageSize = min(pageSize, limit-processed)
		}

		page, err := r.readPage(ctx, req, cursor, int(pageSize))
		if err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(req.EntityType, err, int(pageSize))
			}
			return
		}
		if page.Empty() {
			return
		}

		if err := onBatch(ctx, req.EntityType, page, startOffset+processed); err != nil {
			return
		}

		processed += int64(page.Processed())
		if page.After == "" || (limit > 0 && processed >= limit) {
			return
		}
		cursor = page.After
	}
}

// ReadPage reads one page of req starting at cursor with the reader's retry
// policy.
func (r *Reader) ReadPage(ctx context.Context, req Request, cursor string, limit int) (*reindex.Page, error) {
	return r.readPage(ctx, req, cursor, limit)
}

// readPage reads one page, retrying transient failures. Each page gets a
// fresh retry budget.
func (r *Reader) readPage(ctx context.Context, req Request, cursor string, limit int) (*reindex.Page, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.baseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(r.maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx)

	attempt := 0
	page, err := backoff.RetryNotifyWithData(func() (*reindex.Page, error) {
		page, err := r.source.ReadPage(ctx, req.EntityType, cursor, limit, req.Window)
		if err != nil {
			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if page == nil {
			page = &reindex.Page{Kind: entities.KindOf(req.EntityType)}
		}
		return page, nil
	}, policy, func(err error, wait time.Duration) {
		attempt++
		r.logger.Warn("transient read failure, retrying",
			"entity_type", req.EntityType,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s page: %w", req.EntityType, err)
	}
	return page, nil
}
