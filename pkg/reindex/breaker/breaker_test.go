package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, clock *fakeClock, hook func(from, to State)) *Breaker {
	t.Helper()
	b, err := New(Config{
		Threshold:     3,
		Window:        1000 * time.Millisecond,
		ProbeInterval: 500 * time.Millisecond,
		OnTransition:  hook,
		Now:           clock.Now,
	})
	require.NoError(t, err)
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero threshold", Config{Threshold: 0, Window: time.Second, ProbeInterval: time.Second}},
		{"negative window", Config{Threshold: 1, Window: -time.Second, ProbeInterval: time.Second}},
		{"zero probe", Config{Threshold: 1, Window: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, b)
		})
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newTestBreaker(t, clock, func(from, to State) {
		transitions = append(transitions, TransitionName(from, to))
	})

	assert.Equal(t, Closed, b.State())
	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
		clock.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())

	clock.Advance(300 * time.Millisecond)
	assert.False(t, b.Allow(), "probe interval has not elapsed")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe is admitted")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.FailureCount())
	assert.True(t, b.Allow())

	assert.Equal(t, []string{"closed_to_open", "open_to_half_open", "half_open_to_closed"}, transitions)
}

func TestBreakerFailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, nil)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(1500 * time.Millisecond)
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.FailureCount())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(500 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	clock.Advance(400 * time.Millisecond)
	assert.False(t, b.Allow(), "open timer was reset by the probe failure")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestBreakerSingleProbeUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	var halfOpen atomic.Int32
	b := newTestBreaker(t, clock, func(from, to State) {
		if to == HalfOpen {
			halfOpen.Add(1)
		}
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, int32(1), halfOpen.Load())
}

func TestBreakerHookPanicDoesNotAffectState(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, func(from, to State) {
		panic("metrics exploded")
	})

	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			b.RecordFailure()
		}
	})
	assert.Equal(t, Open, b.State())
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.FailureCount())
	assert.True(t, b.Allow())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "HALF_OPEN", HalfOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}
