package reader

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker counts outstanding parties across every reader of a run. Parties
// are registered in bulk and arrive one at a time; once the count drops to
// zero the tracker is done for good.
type Tracker struct {
	pending atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewTracker returns a tracker with parties already registered.
func NewTracker(parties int) *Tracker {
	t := &Tracker{done: make(chan struct{})}
	t.pending.Store(int64(parties))
	if parties <= 0 {
		t.finish()
	}
	return t
}

// Register adds n parties.
func (t *Tracker) Register(n int) {
	if n <= 0 {
		return
	}
	t.pending.Add(int64(n))
}

// Arrive deregisters one party.
func (t *Tracker) Arrive() {
	t.ArriveN(1)
}

// ArriveN deregisters n parties, e.g. readers that were planned but never
// started.
func (t *Tracker) ArriveN(n int) {
	if n <= 0 {
		return
	}
	if t.pending.Add(-int64(n)) <= 0 {
		t.finish()
	}
}

func (t *Tracker) finish() {
	t.once.Do(func() { close(t.done) })
}

// Pending returns the number of parties still outstanding.
func (t *Tracker) Pending() int64 {
	return max(t.pending.Load(), 0)
}

// Done is closed once every party has arrived.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until every party arrived or timeout passes, and reports
// whether the tracker is done.
func (t *Tracker) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}
