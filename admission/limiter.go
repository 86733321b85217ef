package admission

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-key call budget over a sliding window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	calls   map[string][]time.Time
	timeNow func() time.Time // Injectable for testing
	lastGC  time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per minute per key.
// A limit of 0 disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return NewRateLimiterWithClock(limit, time.Now)
}

// NewRateLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewRateLimiterWithClock(limit int, timeNow func() time.Time) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  60 * time.Second,
		calls:   make(map[string][]time.Time),
		timeNow: timeNow,
	}
}

// SetLimit changes the per-minute limit for subsequent calls
func (r *RateLimiter) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
}

// Allow records a call for key if it fits in the window. When it does not,
// retryAfter is the time until the oldest call in the window expires.
func (r *RateLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit <= 0 {
		return true, 0
	}

	now := r.timeNow()
	r.gc(now)

	times := expire(r.calls[key], now.Add(-r.window))
	if len(times) >= r.limit {
		r.calls[key] = times
		return false, times[0].Add(r.window).Sub(now)
	}
	r.calls[key] = append(times, now)
	return true, 0
}

// Stats returns calls in the current window and remaining capacity for key
func (r *RateLimiter) Stats(key string) (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	times := expire(r.calls[key], r.timeNow().Add(-r.window))
	r.calls[key] = times
	remaining = r.limit - len(times)
	if remaining < 0 {
		remaining = 0
	}
	return len(times), remaining
}

// Reset clears all recorded calls
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string][]time.Time)
}

// expire drops timestamps at or before cutoff. Timestamps are ordered.
func expire(times []time.Time, cutoff time.Time) []time.Time {
	expired := 0
	for _, t := range times {
		if !t.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	return times[expired:]
}

// gc removes idle keys once per window. Must be called with lock held.
func (r *RateLimiter) gc(now time.Time) {
	if now.Sub(r.lastGC) < r.window {
		return
	}
	r.lastGC = now
	cutoff := now.Add(-r.window)
	for key, times := range r.calls {
		if len(expire(times, cutoff)) == 0 {
			delete(r.calls, key)
		}
	}
}
