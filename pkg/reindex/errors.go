package reindex

import "errors"

var (
	// ErrStopped is returned by operations interrupted by a stop request.
	ErrStopped = errors.New("reindexing stopped")

	// ErrSinkRejected means the sink declined to attempt a write, for
	// example because its circuit breaker is open. It is not a write failure.
	ErrSinkRejected = errors.New("sink rejected write")
)
