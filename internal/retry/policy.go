// Package retry implements the Retry/DLQ Engine (spec §4.6): the backoff
// formula, the three-step failure algorithm, and the dead-letter surface.
package retry

import (
	"math/rand"
	"time"
)

// Policy is the backoff configuration for one task (spec §3, RetryPolicy).
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultPolicy matches the teacher's queue defaults, generalized to the
// Task's own RetryBaseDelay/MaxRetries when present.
var DefaultPolicy = Policy{
	MaxAttempts:   3,
	BaseDelay:     1 * time.Second,
	MaxDelay:      5 * time.Minute,
	BackoffFactor: 2.0,
}

// NextDelay implements spec.md §8's round-trip law exactly:
// min(base * 2^(attempt-1), cap) + jitter in [0, 0.25*delay].
// attempt is 1-indexed (the first retry is attempt 1).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy.BaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultPolicy.MaxDelay
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = DefaultPolicy.BackoffFactor
	}

	delay := float64(base) * pow(factor, attempt-1)
	if delay > float64(ceiling) || delay <= 0 {
		delay = float64(ceiling)
	}

	jitter := rand.Float64() * 0.25 * delay
	return time.Duration(delay + jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
