package broker

import (
	"sync"

	"golang.org/x/time/rate"
)

// TaskTypeLimiter is the per-resource rate limit counter spec §4.2 calls
// for: one token bucket per task type (the "resource"), not a global
// limit, so a noisy task type cannot starve the others.
type TaskTypeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewTaskTypeLimiter builds a limiter allowing rps sustained dispatches
// per second with a bucket of burst tokens, per task type.
func NewTaskTypeLimiter(rps float64, burst int) *TaskTypeLimiter {
	return &TaskTypeLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a dispatch of taskType may proceed right now.
func (l *TaskTypeLimiter) Allow(taskType string) bool {
	return l.limiterFor(taskType).Allow()
}

func (l *TaskTypeLimiter) limiterFor(taskType string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[taskType]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[taskType] = lim
	}
	return lim
}
