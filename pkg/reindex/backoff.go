package reindex

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AdaptiveBackoff doubles its delay on every call to Next, up to a cap.
type AdaptiveBackoff struct {
	b *backoff.ExponentialBackOff
}

// NewAdaptiveBackoff returns a backoff starting at initial and capped at maxDelay.
func NewAdaptiveBackoff(initial, maxDelay time.Duration) *AdaptiveBackoff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return &AdaptiveBackoff{b: b}
}

// Next returns the delay to wait now.
func (a *AdaptiveBackoff) Next() time.Duration {
	return a.b.NextBackOff()
}

// Reset starts over from the initial delay.
func (a *AdaptiveBackoff) Reset() {
	a.b.Reset()
}
