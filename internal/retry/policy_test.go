package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_NextDelay_RespectsCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0}

	for attempt := 1; attempt <= 20; attempt++ {
		delay := p.NextDelay(attempt)
		// cap + 25% jitter headroom
		assert.LessOrEqual(t, delay, p.MaxDelay+p.MaxDelay/4+time.Millisecond)
	}
}

func TestPolicy_NextDelay_GrowsExponentially_BeforeCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Hour, BackoffFactor: 2.0}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		// Jitter is randomized, so the floor (no-jitter) value must
		// strictly increase and each sampled delay must lie within
		// [floor, floor+25%].
		floor := time.Duration(float64(p.BaseDelay) * pow(p.BackoffFactor, attempt-1))
		assert.Greater(t, floor, prev)
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, floor)
		assert.LessOrEqual(t, d, floor+floor/4)
		prev = floor
	}
}

func TestPolicy_NextDelay_NeverBelowBase(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2.0}
	delay := p.NextDelay(1)
	assert.GreaterOrEqual(t, delay, p.BaseDelay)
}

func TestPolicy_NextDelay_ZeroAttemptClampedToOne(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2.0}
	d0 := p.NextDelay(0)
	d1 := p.NextDelay(1)
	assert.InDelta(t, float64(d1), float64(d0), float64(d1))
}

func TestPolicy_NextDelay_DefaultsWhenUnset(t *testing.T) {
	var p Policy
	delay := p.NextDelay(1)
	assert.Greater(t, delay, time.Duration(0))
}

func TestPow(t *testing.T) {
	tests := []struct {
		base     float64
		exp      int
		expected float64
	}{
		{2, 0, 1},
		{2, 1, 2},
		{2, 3, 8},
		{3, 2, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, pow(tt.base, tt.exp))
	}
}
