// Package breaker implements a sliding-window circuit breaker that guards
// submissions to the search sink.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrOpen is returned by callers that were refused by the breaker.
var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultThreshold     = 5
	DefaultWindow        = 60 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

// TransitionName returns the metric name of a transition, e.g. "closed_to_open".
func TransitionName(from, to State) string {
	return stateKey(from) + "_to_" + stateKey(to)
}

func stateKey(s State) string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config configures a Breaker.
type Config struct {
	// Threshold is the number of failures inside Window that opens the breaker.
	Threshold int

	// Window is the trailing period over which failures are counted.
	Window time.Duration

	// ProbeInterval is how long the breaker stays open before admitting a
	// single probe request.
	ProbeInterval time.Duration

	// OnTransition is called after every state change. It must not block.
	OnTransition func(from, to State)

	Logger hclog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker is safe for concurrent use. Allow never takes a lock.
type Breaker struct {
	state    atomic.Int32
	openedAt atomic.Int64

	mu       sync.Mutex
	failures []time.Time

	threshold    int
	window       time.Duration
	probe        time.Duration
	onTransition func(from, to State)
	now          func() time.Time
	logger       hclog.Logger
}

// New returns a closed breaker.
func New(cfg Config) (*Breaker, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %d", cfg.Threshold)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", cfg.Window)
	}
	if cfg.ProbeInterval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive, got %s", cfg.ProbeInterval)
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Breaker{
		threshold:    cfg.Threshold,
		window:       cfg.Window,
		probe:        cfg.ProbeInterval,
		onTransition: cfg.OnTransition,
		now:          cfg.Now,
		logger:       cfg.Logger.Named("circuit-breaker"),
	}, nil
}

// Allow reports whether a request may be attempted. When the breaker is open
// and the probe interval has elapsed, exactly one caller wins the move to
// half-open and is allowed through; everyone else is refused until that
// probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case Open:
		openedAt := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(openedAt) < b.probe {
			return false
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.transition(Open, HalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request. A successful probe closes the
// breaker and clears the failure history.
func (b *Breaker) RecordSuccess() {
	if State(b.state.Load()) != HalfOpen {
		return
	}
	if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
		b.mu.Lock()
		b.failures = b.failures[:0]
		b.mu.Unlock()
		b.transition(HalfOpen, Closed)
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	now := b.now()

	switch State(b.state.Load()) {
	case HalfOpen:
		b.openedAt.Store(now.UnixNano())
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			b.transition(HalfOpen, Open)
		}
		return
	case Open:
		return
	}

	b.mu.Lock()
	b.failures = append(b.failures, now)
	b.prune(now)
	trip := len(b.failures) >= b.threshold
	b.mu.Unlock()

	if !trip {
		return
	}
	b.openedAt.Store(now.UnixNano())
	if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
		b.logger.Warn("circuit breaker opened", "threshold", b.threshold, "window", b.window)
		b.transition(Closed, Open)
	}
}

// prune drops failures older than the window. Callers hold mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// FailureCount returns the number of failures inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

// Reset forces the breaker closed and clears its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = b.failures[:0]
	b.mu.Unlock()

	b.openedAt.Store(0)
	prev := State(b.state.Swap(int32(Closed)))
	if prev != Closed {
		b.transition(prev, Closed)
	}
}

func (b *Breaker) transition(from, to State) {
	if b.onTransition == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("transition hook panicked", "transition", TransitionName(from, to), "panic", r)
		}
	}()
	b.onTransition(from, to)
}
