package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterAllow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(3, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	// other clients are unaffected
	assert.True(t, rl.Allow("10.0.0.2"))

	clock.Advance(59 * time.Second)
	assert.False(t, rl.Allow("10.0.0.1"))

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterRetryAfter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(1, clock.Now)

	assert.Equal(t, 0, rl.RetryAfter("10.0.0.1"))

	rl.Allow("10.0.0.1")
	clock.Advance(20*time.Second + 500*time.Millisecond)
	assert.Equal(t, 40, rl.RetryAfter("10.0.0.1"))

	clock.Advance(time.Minute)
	assert.Equal(t, 0, rl.RetryAfter("10.0.0.1"))
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(5, clock.Now)

	rl.Allow("10.0.0.1")
	clock.Advance(30 * time.Second)
	rl.Allow("10.0.0.2")

	clock.Advance(45 * time.Second)
	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, "10.0.0.1")
	assert.Len(t, rl.requests["10.0.0.2"], 1)
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.Stop()
	rl.Stop()
}
