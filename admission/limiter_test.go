package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func TestRateLimiter_AtLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewRateLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		allowed, _ := limiter.Allow("key-1")
		assert.True(t, allowed, "call %d", i+1)
		clock.Advance(100 * time.Millisecond)
	}

	allowed, retryAfter := limiter.Allow("key-1")
	assert.False(t, allowed)
	// oldest call was 1s ago, so it leaves the window in 59s
	assert.Equal(t, 59*time.Second, retryAfter)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewRateLimiterWithClock(1, clock.Now)

	allowed, _ := limiter.Allow("key-1")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("key-1")
	assert.False(t, allowed)
	allowed, _ = limiter.Allow("key-2")
	assert.True(t, allowed)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewRateLimiterWithClock(2, clock.Now)

	limiter.Allow("k")
	clock.Advance(30 * time.Second)
	limiter.Allow("k")

	allowed, retryAfter := limiter.Allow("k")
	assert.False(t, allowed)
	assert.Equal(t, 30*time.Second, retryAfter)

	clock.Advance(30 * time.Second)
	allowed, _ = limiter.Allow("k")
	assert.True(t, allowed, "first call left the window")

	calls, remaining := limiter.Stats("k")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiter_DisabledAndReset(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewRateLimiterWithClock(0, clock.Now)
	for i := 0; i < 100; i++ {
		allowed, _ := limiter.Allow("k")
		assert.True(t, allowed)
	}

	limiter.SetLimit(1)
	allowed, _ := limiter.Allow("k")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("k")
	assert.False(t, allowed)

	limiter.Reset()
	allowed, _ = limiter.Allow("k")
	assert.True(t, allowed)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow("shared"); ok {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowedCount)
}
