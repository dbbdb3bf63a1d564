package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter implements per-client sliding window rate limiting
type RateLimiter struct {
	mu                sync.Mutex
	requests          map[string][]time.Time
	maxRequestsPerMin int
	now               func() time.Time
	cleanupInterval   time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := newRateLimiter(maxRequestsPerMinute, time.Now)
	go rl.startCleanup()
	return rl
}

func newRateLimiter(maxRequestsPerMinute int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		requests:          make(map[string][]time.Time),
		maxRequestsPerMin: maxRequestsPerMinute,
		now:               now,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}
}

// Allow records a request from client and reports whether it is within the limit
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := prune(rl.requests[client], now)

	if len(valid) >= rl.maxRequestsPerMin {
		rl.requests[client] = valid
		return false
	}

	rl.requests[client] = append(valid, now)
	return true
}

// RetryAfter returns the number of seconds until client may send again
func (rl *RateLimiter) RetryAfter(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	reqs := rl.requests[client]
	if len(reqs) == 0 {
		return 0
	}

	wait := rateWindow - rl.now().Sub(reqs[0])
	if wait <= 0 {
		return 0
	}

	// round up to whole seconds
	return int((wait + time.Second - 1) / time.Second)
}

func prune(reqs []time.Time, now time.Time) []time.Time {
	valid := reqs[:0]
	for _, t := range reqs {
		if now.Sub(t) < rateWindow {
			valid = append(valid, t)
		}
	}
	return valid
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients with no requests in the current window
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for client, reqs := range rl.requests {
		valid := prune(reqs, now)
		if len(valid) == 0 {
			delete(rl.requests, client)
		} else {
			rl.requests[client] = valid
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
