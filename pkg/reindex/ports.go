package reindex

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Source supplies entity pages from the system of record.
type Source interface {
	// Count returns the number of records of entityType, bounded by window
	// when window is non-nil.
	Count(ctx context.Context, entityType string, window *TimeWindow) (int64, error)

	// ReadPage returns up to limit records starting at cursor. An empty
	// cursor starts from the beginning.
	ReadPage(ctx context.Context, entityType, cursor string, limit int, window *TimeWindow) (*Page, error)

	// FindBoundaries returns start cursors splitting entityType into at most
	// readers contiguous ranges. It may return fewer cursors than asked for.
	FindBoundaries(ctx context.Context, entityType string, readers int, total int64) ([]string, error)
}

// BatchContext travels with every sink write.
type BatchContext struct {
	JobID       string
	EntityType  string
	Recreate    bool
	TargetIndex string
	Offset      int
}

// WriteResult is the per-record outcome of one sink write.
type WriteResult struct {
	Succeeded int
	Failed    int
	Failures  []RecordError
}

// Sink writes pages to the search engine. Implementations must be safe for
// concurrent use by every consumer.
type Sink interface {
	Write(ctx context.Context, page *Page, bc BatchContext) (*WriteResult, error)
	Stats() StepStats
	ProcessStats() StepStats
	VectorStats() StepStats
	PendingVectorTasks() int
	AwaitVectorCompletion(timeout time.Duration) VectorCompletionResult
	FlushAndAwait(timeout time.Duration) bool
	ActiveBulkRequests() int
	Close() error
}

// IndexTarget names the indices involved in rebuilding one entity type.
type IndexTarget struct {
	EntityType string
	Canonical  string
	Staged     string
	Alias      string
}

// RecreateContext tracks staged indices for one recreate run. It is safe for
// concurrent use.
type RecreateContext struct {
	mu       sync.RWMutex
	targets  map[string]IndexTarget
	promoted map[string]bool
}

// NewRecreateContext returns an empty context.
func NewRecreateContext() *RecreateContext {
	return &RecreateContext{
		targets:  make(map[string]IndexTarget),
		promoted: make(map[string]bool),
	}
}

// Add registers a target.
func (rc *RecreateContext) Add(t IndexTarget) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.targets[t.EntityType] = t
}

// Target returns the target for entityType.
func (rc *RecreateContext) Target(entityType string) (IndexTarget, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	t, ok := rc.targets[entityType]
	return t, ok
}

// StagedIndex returns the staged index for entityType, or "".
func (rc *RecreateContext) StagedIndex(entityType string) string {
	t, _ := rc.Target(entityType)
	return t.Staged
}

// MarkPromoted records that entityType's staged index was already promoted.
func (rc *RecreateContext) MarkPromoted(entityType string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.promoted[entityType] = true
}

// IsPromoted reports whether entityType was already promoted.
func (rc *RecreateContext) IsPromoted(entityType string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.promoted[entityType]
}

// Targets returns the registered targets, sorted by entity type.
func (rc *RecreateContext) Targets() []IndexTarget {
	types := rc.EntityTypes()
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]IndexTarget, 0, len(types))
	for _, et := range types {
		out = append(out, rc.targets[et])
	}
	return out
}

// EntityTypes returns the registered entity types, sorted.
func (rc *RecreateContext) EntityTypes() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]string, 0, len(rc.targets))
	for k := range rc.targets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RecreateHandler stages and finalizes rebuilt indices.
type RecreateHandler interface {
	Prepare(ctx context.Context, entityTypes []string) (*RecreateContext, error)
	Finalize(ctx context.Context, target IndexTarget, success bool) error
}

// FailureStage identifies where a record failed.
type FailureStage string

const (
	FailureStageReader  FailureStage = "READER"
	FailureStageProcess FailureStage = "PROCESS"
	FailureStageSink    FailureStage = "SINK"
)

// Failure is a persisted record of one failed record or batch.
type Failure struct {
	JobID      string
	EntityType string
	RecordID   string
	Stage      FailureStage
	Message    string
	OccurredAt time.Time
}

// FailureRecorder persists failures for later inspection.
type FailureRecorder interface {
	RecordFailures(ctx context.Context, failures []Failure) error
}

// JobContext identifies one run.
type JobContext struct {
	ID          string
	Name        string
	StartedAt   time.Time
	Distributed bool
	Source      string

	// Targets are the staged indices of a recreate run.
	Targets []IndexTarget
}
