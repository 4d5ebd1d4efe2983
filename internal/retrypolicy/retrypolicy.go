// Package retrypolicy computes retry delays and classifies errors as
// terminal or retryable, following the shape of the teacher's
// internal/task.RetryPolicy but decoupled from any task type: a Policy here
// is pure configuration, and classification is driven by an error
// predicate rather than a task's attempt counter alone.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Policy is immutable configuration for attempt scheduling and terminal
// error classification, per spec.md 4.F.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // in [0,1]

	// IsTerminal classifies a user-code error as non-retryable regardless
	// of remaining attempts. A nil predicate means every error is
	// retryable until MaxAttempts is exhausted.
	IsTerminal func(err error) bool
}

// Default returns the executor-wide default policy: 3 attempts, 1s base
// delay doubling up to 5 minutes, 10% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// NextDelay returns the delay before the given attempt (0-indexed, the
// attempt number that is about to be retried) per
// clamp(base*multiplier^attempt*(1±jitter*rand), 0, max).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		spread := delay * p.Jitter * (rand.Float64()*2 - 1)
		delay += spread
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Classify decides the outcome of a failed attempt: whether it should be
// retried and, if so, at what time.
func (p Policy) Classify(attempt int, err error) (retry bool, retryAt time.Time) {
	if p.IsTerminal != nil && p.IsTerminal(err) {
		return false, time.Time{}
	}
	if attempt+1 >= p.MaxAttempts {
		return false, time.Time{}
	}
	return true, time.Now().UTC().Add(p.NextDelay(attempt))
}
