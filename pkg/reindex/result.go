package reindex

import "time"

// Status is the terminal state of a strategy run.
type Status string

const (
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusStopped             Status = "STOPPED"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ExecutionResult is the outcome of one strategy run. It is built once at the
// end of the run and not modified afterwards.
type ExecutionResult struct {
	Status     Status
	Total      int64
	Success    int64
	Failed     int64
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      *Stats
	Metadata   map[string]interface{}
}

// ResultFromStats builds a result from a reconciled stats snapshot.
func ResultFromStats(stats *Stats, status Status, startedAt, finishedAt time.Time, metadata map[string]interface{}) *ExecutionResult {
	r := &ExecutionResult{
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Stats:      stats.Clone(),
		Metadata:   metadata,
	}
	if stats != nil {
		r.Total = stats.Job.Total
		r.Success = stats.Job.Success
		r.Failed = stats.Job.Failed
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	return r
}

// Duration is the wall time of the run.
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SuccessRate is the percentage of total records indexed successfully.
func (r *ExecutionResult) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Success) * 100 / float64(r.Total)
}

// RecordsPerSecond is the throughput over successful and failed records.
func (r *ExecutionResult) RecordsPerSecond() float64 {
	secs := r.Duration().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.Success+r.Failed) / secs
}

// VectorCompletionResult reports how an await on embedding work ended.
type VectorCompletionResult struct {
	Completed        bool
	PendingTaskCount int
	Waited           time.Duration
}
