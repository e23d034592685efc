package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

// Sink is an in-memory reindex.Sink that remembers what it was given.
type Sink struct {
	mu        sync.Mutex
	written   map[string][]reindex.Record
	contexts  []reindex.BatchContext
	failures  map[string]error
	rejects   map[string]bool
	stats     reindex.StepStats
	delay     time.Duration
	closed    bool
	flushes   int
	pendingFn func() int

	active atomic.Int32
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{
		written:  make(map[string][]reindex.Record),
		failures: make(map[string]error),
		rejects:  make(map[string]bool),
	}
}

// FailEntity makes every write for entityType fail with err.
func (s *Sink) FailEntity(entityType string, err error) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[entityType] = err
	return s
}

// RejectEntity makes every write for entityType return ErrSinkRejected.
func (s *Sink) RejectEntity(entityType string) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[entityType] = true
	return s
}

// SlowWrites delays every write.
func (s *Sink) SlowWrites(d time.Duration) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// PendingVectors sets the function reporting pending vector tasks.
func (s *Sink) PendingVectors(fn func() int) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFn = fn
	return s
}

// SetStats overrides the sink counters.
func (s *Sink) SetStats(st reindex.StepStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = st
}

// Written returns the records written for entityType.
func (s *Sink) Written(entityType string) []reindex.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reindex.Record(nil), s.written[entityType]...)
}

// Contexts returns every batch context seen.
func (s *Sink) Contexts() []reindex.BatchContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reindex.BatchContext(nil), s.contexts...)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Flushes returns the number of FlushAndAwait calls.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Sink) Write(ctx context.Context, page *reindex.Page, bc reindex.BatchContext) (*reindex.WriteResult, error) {
	s.active.Add(1)
	defer s.active.Add(-1)

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, bc)
	n := int64(len(page.Records))

	if s.rejects[bc.EntityType] {
		return nil, reindex.ErrSinkRejected
	}
	s.stats.Total += n
	if err := s.failures[bc.EntityType]; err != nil {
		s.stats.Failed += n
		return nil, err
	}
	s.stats.Success += n
	s.written[bc.EntityType] = append(s.written[bc.EntityType], page.Records...)
	return &reindex.WriteResult{Succeeded: len(page.Records)}, nil
}

func (s *Sink) Stats() reindex.StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sink) ProcessStats() reindex.StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reindex.StepStats{Total: s.stats.Total, Success: s.stats.Total}
}

func (s *Sink) VectorStats() reindex.StepStats { return reindex.StepStats{} }

func (s *Sink) PendingVectorTasks() int {
	s.mu.Lock()
	fn := s.pendingFn
	s.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

func (s *Sink) AwaitVectorCompletion(timeout time.Duration) reindex.VectorCompletionResult {
	start := time.Now()
	deadline := start.Add(timeout)
	for time.Now().Before(deadline) {
		if s.PendingVectorTasks() == 0 {
			return reindex.VectorCompletionResult{Completed: true, Waited: time.Since(start)}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return reindex.VectorCompletionResult{PendingTaskCount: s.PendingVectorTasks(), Waited: time.Since(start)}
}

func (s *Sink) FlushAndAwait(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return true
}

func (s *Sink) ActiveBulkRequests() int {
	return int(s.active.Load())
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
