package reindex

import "time"

// Stage names a pipeline stage for instrumentation.
type Stage string

const (
	StageReader  Stage = "reader"
	StageProcess Stage = "process"
	StageSink    Stage = "sink"
	StageVector  Stage = "vector"
)

// Observer receives instrumentation events. Every component accepts an
// optional Observer and falls back to NopObserver.
type Observer interface {
	JobStarted(jobID string)
	JobFinished(jobID string, status Status, elapsed time.Duration)
	StageRecorded(stage Stage, entityType string, success, failed, warnings int64)
	BulkRequest(elapsed time.Duration, payloadBytes int)
	PendingBulkRequests(n int)
	BackpressureEvent()
	PromotionResult(entityType string, ok bool)
	BreakerTransition(transition string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) JobStarted(string)                                {}
func (NopObserver) JobFinished(string, Status, time.Duration)        {}
func (NopObserver) StageRecorded(Stage, string, int64, int64, int64) {}
func (NopObserver) BulkRequest(time.Duration, int)                   {}
func (NopObserver) PendingBulkRequests(int)                          {}
func (NopObserver) BackpressureEvent()                               {}
func (NopObserver) PromotionResult(string, bool)                     {}
func (NopObserver) BreakerTransition(string)                         {}

// ObserverOrNop returns o, or NopObserver when o is nil.
func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
