// Package sink writes reindexed pages to a search backend.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/breaker"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
	"github.com/hashicorp-forge/reindexer/pkg/search"
)

const (
	DefaultMaxConcurrentRequests = 4
	DefaultMaxPayloadBytes       = 5 * 1024 * 1024
	DefaultRejectTimeout         = 30 * time.Second
	DefaultBackoffInitial        = 100 * time.Millisecond
	DefaultBackoffMax            = 5 * time.Second
	DefaultVectorConcurrency     = 2
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config configures a BulkSink.
type Config struct {
	Backend search.Backend

	// Breaker guards bulk requests. A default breaker is built when nil.
	Breaker *breaker.Breaker

	// Embedder, when set, computes vectors for written documents in the
	// background.
	Embedder Embedder

	// EmbedFields are concatenated into the text sent to the Embedder.
	EmbedFields []string

	// IndexPrefix is prepended to canonical index names when a batch does
	// not name a target index.
	IndexPrefix string

	MaxConcurrentRequests int
	MaxPayloadBytes       int

	// RejectTimeout bounds how long a request refused by the breaker is
	// retried before the write is rejected.
	RejectTimeout  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	VectorConcurrency int

	Observer reindex.Observer
	Logger   hclog.Logger
}

// BulkSink implements reindex.Sink on a search.Backend.
type BulkSink struct {
	backend     search.Backend
	breaker     *breaker.Breaker
	embedder    Embedder
	embedFields []string
	prefix      string
	maxPayload  int
	rejectAfter time.Duration
	observer    reindex.Observer
	logger      hclog.Logger

	requests *semaphore.Weighted
	active   atomic.Int32

	backoffMu sync.Mutex
	backoff   *reindex.AdaptiveBackoff

	mu      sync.Mutex
	sink    reindex.StepStats
	process reindex.StepStats
	vector  reindex.StepStats

	vectorSem    *semaphore.Weighted
	vectorCtx    context.Context
	vectorCancel context.CancelFunc
	vectorWG     sync.WaitGroup
	pending      atomic.Int32
	closed       atomic.Bool
}

// New creates a BulkSink.
func New(cfg Config) (*BulkSink, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("search backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	observer := reindex.ObserverOrNop(cfg.Observer)
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.RejectTimeout <= 0 {
		cfg.RejectTimeout = DefaultRejectTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.VectorConcurrency <= 0 {
		cfg.VectorConcurrency = DefaultVectorConcurrency
	}
	if len(cfg.EmbedFields) == 0 {
		cfg.EmbedFields = []string{"name", "displayName", "description"}
	}
	logger := cfg.Logger.Named("sink")

	if cfg.Breaker == nil {
		b, err := breaker.New(breaker.Config{
			Threshold:     breaker.DefaultThreshold,
			Window:        breaker.DefaultWindow,
			ProbeInterval: breaker.DefaultProbeInterval,
			OnTransition: func(from, to breaker.State) {
				observer.BreakerTransition(breaker.TransitionName(from, to))
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breaker: %w", err)
		}
		cfg.Breaker = b
	}

	vctx, cancel := context.WithCancel(context.Background())
	return &BulkSink{
		backend:      cfg.Backend,
		breaker:      cfg.Breaker,
		embedder:     cfg.Embedder,
		embedFields:  cfg.EmbedFields,
		prefix:       cfg.IndexPrefix,
		maxPayload:   cfg.MaxPayloadBytes,
		rejectAfter:  cfg.RejectTimeout,
		observer:     observer,
		logger:       logger,
		requests:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		backoff:      reindex.NewAdaptiveBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		vectorSem:    semaphore.NewWeighted(int64(cfg.VectorConcurrency)),
		vectorCtx:    vctx,
		vectorCancel: cancel,
	}, nil
}

// Write converts page into documents and sends them in bulk requests no
// larger than the payload limit. It returns reindex.ErrSinkRejected when the
// breaker refused the first request for longer than the reject timeout.
func (s *BulkSink) Write(ctx context.Context, page *reindex.Page, bc reindex.BatchContext) (*reindex.WriteResult, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("sink is closed")
	}
	if page == nil || len(page.Records) == 0 {
		return &reindex.WriteResult{}, nil
	}

	index := bc.TargetIndex
	if index == "" {
		index = entities.IndexName(s.prefix, bc.EntityType)
	}

	docs, result := s.convert(page, bc.EntityType)
	if len(docs) == 0 {
		return result, nil
	}

	var (
		written  int
		firstErr error
	)
	for _, chunk := range s.split(docs) {
		res, err := s.send(ctx, index, chunk.docs, chunk.bytes)
		switch {
		case errors.Is(err, reindex.ErrSinkRejected) && written == 0 && result.Succeeded == 0 && firstErr == nil:
			s.mu.Lock()
			s.process.Total -= int64(len(docs))
			s.process.Success -= int64(len(docs))
			s.mu.Unlock()
			return nil, err
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
			s.countSink(len(chunk.docs), 0, len(chunk.docs))
			result.Failed += len(chunk.docs)
			for _, d := range chunk.docs {
				result.Failures = append(result.Failures, reindex.RecordError{RecordID: d.ID, Message: err.Error()})
			}
		default:
			written++
			s.countSink(len(chunk.docs), res.Succeeded, len(res.Failed))
			result.Succeeded += res.Succeeded
			result.Failed += len(res.Failed)
			failed := make(map[string]bool, len(res.Failed))
			for _, f := range res.Failed {
				failed[f.ID] = true
				result.Failures = append(result.Failures, reindex.RecordError{RecordID: f.ID, Message: f.Reason})
			}
			s.submitVectors(index, chunk.docs, failed)
		}
	}

	if firstErr != nil && result.Succeeded == 0 {
		return nil, fmt.Errorf("bulk write to %s failed: %w", index, firstErr)
	}
	return result, nil
}

func (s *BulkSink) convert(page *reindex.Page, entityType string) ([]search.Document, *reindex.WriteResult) {
	result := &reindex.WriteResult{}
	docs := make([]search.Document, 0, len(page.Records))
	for _, rec := range page.Records {
		id := rec.ID
		if id == "" && page.Kind == reindex.KindTimeSeries && !rec.Timestamp.IsZero() {
			id = fmt.Sprintf("%s-%d", entityType, rec.Timestamp.UnixMilli())
		}
		if id == "" {
			result.Failed++
			result.Failures = append(result.Failures, reindex.RecordError{Message: "record has no id"})
			continue
		}

		fields := make(map[string]interface{}, len(rec.Fields)+2)
		for k, v := range rec.Fields {
			fields[k] = v
		}
		fields["entityType"] = entityType
		if !rec.Timestamp.IsZero() {
			fields["timestamp"] = rec.Timestamp
		}
		docs = append(docs, search.Document{ID: id, EntityType: entityType, Fields: fields})
	}

	s.mu.Lock()
	s.process.Total += int64(len(page.Records))
	s.process.Success += int64(len(docs))
	s.process.Failed += int64(result.Failed)
	s.mu.Unlock()
	s.observer.StageRecorded(reindex.StageProcess, entityType, int64(len(docs)), int64(result.Failed), 0)
	return docs, result
}

type chunk struct {
	docs  []search.Document
	bytes int
}

// split groups docs into chunks whose estimated JSON size stays under the
// payload limit. A single oversized document gets a chunk of its own.
func (s *BulkSink) split(docs []search.Document) []chunk {
	var (
		out []chunk
		cur chunk
	)
	for _, d := range docs {
		size := docSize(d)
		if len(cur.docs) > 0 && cur.bytes+size > s.maxPayload {
			out = append(out, cur)
			cur = chunk{}
		}
		cur.docs = append(cur.docs, d)
		cur.bytes += size
	}
	if len(cur.docs) > 0 {
		out = append(out, cur)
	}
	return out
}

func docSize(d search.Document) int {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return len(d.ID)
	}
	return len(b) + len(d.ID)
}

// send runs one bulk request behind the concurrency limit and the breaker.
func (s *BulkSink) send(ctx context.Context, index string, docs []search.Document, payload int) (*search.BulkResult, error) {
	if err := s.requests.Acquire(ctx, 1); err != nil {
		return nil, reindex.ErrSinkRejected
	}
	defer s.requests.Release(1)
	if err := s.admit(ctx); err != nil {
		return nil, err
	}

	n := s.active.Add(1)
	s.observer.PendingBulkRequests(int(n))
	defer func() {
		s.observer.PendingBulkRequests(int(s.active.Add(-1)))
	}()

	start := time.Now()
	res, err := s.backend.IndexDocuments(ctx, index, docs)
	s.observer.BulkRequest(time.Since(start), payload)
	if err != nil {
		s.breaker.RecordFailure()
		s.logger.Warn("bulk request failed", "index", index, "documents", len(docs), "error", err)
		return nil, err
	}
	s.breaker.RecordSuccess()
	s.resetBackoff()
	return res, nil
}

// admit waits until the breaker lets a request through. Every refusal is a
// backpressure event.
func (s *BulkSink) admit(ctx context.Context) error {
	deadline := time.Now().Add(s.rejectAfter)
	for !s.breaker.Allow() {
		s.observer.BackpressureEvent()
		wait := s.nextBackoff()
		if time.Now().Add(wait).After(deadline) {
			s.logger.Warn("write rejected by circuit breaker", "state", s.breaker.State())
			return reindex.ErrSinkRejected
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return reindex.ErrSinkRejected
		}
	}
	return nil
}

func (s *BulkSink) nextBackoff() time.Duration {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return s.backoff.Next()
}

func (s *BulkSink) resetBackoff() {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	s.backoff.Reset()
}

func (s *BulkSink) countSink(total, success, failed int) {
	s.mu.Lock()
	s.sink.Total += int64(total)
	s.sink.Success += int64(success)
	s.sink.Failed += int64(failed)
	s.mu.Unlock()
}

// submitVectors embeds the written documents in the background and writes
// them again with their vectors.
func (s *BulkSink) submitVectors(index string, docs []search.Document, skip map[string]bool) {
	if s.embedder == nil || s.closed.Load() {
		return
	}
	todo := make([]search.Document, 0, len(docs))
	for _, d := range docs {
		if !skip[d.ID] {
			todo = append(todo, d)
		}
	}
	if len(todo) == 0 {
		return
	}

	s.pending.Add(1)
	s.vectorWG.Add(1)
	go func() {
		defer s.vectorWG.Done()
		defer s.pending.Add(-1)
		if err := s.vectorSem.Acquire(s.vectorCtx, 1); err != nil {
			s.countVector(int64(len(todo)), 0, int64(len(todo)), 0)
			return
		}
		defer s.vectorSem.Release(1)
		s.embed(index, todo)
	}()
}

func (s *BulkSink) embed(index string, docs []search.Document) {
	ctx := s.vectorCtx
	var success, failed, skipped int64
	out := make([]search.Document, 0, len(docs))
	for _, d := range docs {
		text := s.embedText(d)
		if text == "" {
			skipped++
			continue
		}
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			failed++
			s.logger.Debug("embedding failed", "document_id", d.ID, "error", err)
			continue
		}
		d.Vector = vec
		out = append(out, d)
	}

	if len(out) > 0 {
		res, err := s.backend.IndexDocuments(ctx, index, out)
		switch {
		case err != nil:
			failed += int64(len(out))
			s.logger.Warn("failed to write vectors", "index", index, "documents", len(out), "error", err)
		default:
			success += int64(res.Succeeded)
			failed += int64(len(res.Failed))
		}
	}
	s.countVector(int64(len(docs)), success, failed, skipped)
	if len(docs) > 0 {
		s.observer.StageRecorded(reindex.StageVector, docs[0].EntityType, success, failed, skipped)
	}
}

func (s *BulkSink) embedText(d search.Document) string {
	var parts []string
	for _, f := range s.embedFields {
		if v, ok := d.Fields[f].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *BulkSink) countVector(total, success, failed, warnings int64) {
	s.mu.Lock()
	s.vector.Total += total
	s.vector.Success += success
	s.vector.Failed += failed
	s.vector.Warnings += warnings
	s.mu.Unlock()
}

// Stats returns the bulk write counters.
func (s *BulkSink) Stats() reindex.StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// ProcessStats returns the document conversion counters.
func (s *BulkSink) ProcessStats() reindex.StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// VectorStats returns the embedding counters.
func (s *BulkSink) VectorStats() reindex.StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vector
}

// PendingVectorTasks returns the number of embedding tasks not yet finished.
func (s *BulkSink) PendingVectorTasks() int {
	return int(s.pending.Load())
}

// AwaitVectorCompletion waits up to timeout for every embedding task.
func (s *BulkSink) AwaitVectorCompletion(timeout time.Duration) reindex.VectorCompletionResult {
	start := time.Now()
	ok := waitFor(timeout, func() bool { return s.pending.Load() == 0 })
	return reindex.VectorCompletionResult{
		Completed:        ok,
		PendingTaskCount: s.PendingVectorTasks(),
		Waited:           time.Since(start),
	}
}

// FlushAndAwait waits up to timeout for in-flight bulk requests. Writes are
// sent as they arrive, so there is no buffer to flush.
func (s *BulkSink) FlushAndAwait(timeout time.Duration) bool {
	return waitFor(timeout, func() bool { return s.active.Load() == 0 })
}

// ActiveBulkRequests returns the number of requests in flight.
func (s *BulkSink) ActiveBulkRequests() int {
	return int(s.active.Load())
}

// Close abandons unfinished embedding work and waits for its goroutines.
// The backend is left open; it belongs to the caller.
func (s *BulkSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	abandoned := s.PendingVectorTasks()
	s.vectorCancel()
	s.vectorWG.Wait()
	if abandoned > 0 {
		s.logger.Warn("closed sink with pending vector tasks", "pending", abandoned)
	}
	return nil
}

func waitFor(timeout time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return done()
		case <-tick.C:
			if done() {
				return true
			}
		}
	}
}

var _ reindex.Sink = (*BulkSink)(nil)
