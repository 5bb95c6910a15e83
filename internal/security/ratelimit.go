package security

import (
	"sync"
	"time"
)

// RateLimiter tracks per-actor, per-operation counters over a rolling
// window. Limits are fixed per operation at construction; unknown
// operations are not limited.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.RWMutex
	limits  map[string]int
	window  time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
	mu      sync.Mutex
}

// NewRateLimiter creates a rate limiter with per-operation quotas.
// window is shared by every operation.
func NewRateLimiter(limits map[string]int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limits:  limits,
		window:  window,
	}
	go rl.cleanup()
	return rl
}

// Allow checks whether actor may perform op. When denied it returns the
// time remaining until the window resets; a denied call consumes no
// quota.
func (rl *RateLimiter) Allow(actor, op string) (bool, time.Duration) {
	limit, limited := rl.limits[op]
	if !limited {
		return true, 0
	}

	key := actor + ":" + op

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rl.window)
	}

	if b.count >= limit {
		return false, time.Until(b.resetAt)
	}

	b.count++
	return true, 0
}

// cleanup removes stale buckets to prevent unbounded growth
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, b := range rl.buckets {
			b.mu.Lock()
			if now.Sub(b.resetAt) > rl.window {
				delete(rl.buckets, key)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}
