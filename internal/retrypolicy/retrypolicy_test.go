package retrypolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	p := Default()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.1, p.Jitter)
}

func TestNextDelay_NoJitter(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, time.Minute}, // capped
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNextDelay_Jitter_StaysWithinRange(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 1.0, Jitter: 0.5}

	for i := 0; i < 20; i++ {
		d := p.NextDelay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestClassify_RetriesUntilMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1.0}

	retry, at := p.Classify(0, errors.New("boom"))
	assert.True(t, retry)
	assert.WithinDuration(t, time.Now().UTC(), at, time.Second)

	retry, at = p.Classify(1, errors.New("boom"))
	assert.True(t, retry)

	retry, at = p.Classify(2, errors.New("boom"))
	assert.False(t, retry)
	assert.True(t, at.IsZero())
}

func TestClassify_TerminalPredicateShortCircuits(t *testing.T) {
	errTerminal := errors.New("invalid input")
	p := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Millisecond,
		Multiplier:  1.0,
		IsTerminal:  func(err error) bool { return errors.Is(err, errTerminal) },
	}

	retry, _ := p.Classify(0, errTerminal)
	assert.False(t, retry)

	retry, _ = p.Classify(0, errors.New("transient"))
	assert.True(t, retry)
}
