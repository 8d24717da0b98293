package ratelimit

import (
	"sync"
	"time"

	"chatfleet/internal/clock"
)

// Limiter admits at most limit events per key inside a sliding window.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[string][]time.Time
}

func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		buckets: map[string][]time.Time{},
	}
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allow records an event for key when it fits. A non-positive limit
// admits everything.
func (l *Limiter) Allow(key string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true}
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	history := l.buckets[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.buckets[key] = kept
		return Result{Limit: l.limit, ResetAt: kept[0].Add(l.window)}
	}
	kept = append(kept, now)
	l.buckets[key] = kept
	return Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - len(kept),
		ResetAt:   kept[0].Add(l.window),
	}
}
