package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule is how often expired entries are purged.
const DefaultSweepSchedule = "@every 1m"

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. Expired entries are invisible to
// Get immediately and removed by a periodic sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	logger  zerolog.Logger
	cron    *cron.Cron
}

// MemoryOptions configures a MemoryCache.
type MemoryOptions struct {
	Logger        zerolog.Logger
	SweepSchedule string
	// Now overrides the clock, for tests.
	Now func() time.Time
	// DisableSweep skips starting the background sweeper.
	DisableSweep bool
}

// NewMemoryCache creates an in-memory cache and starts its sweeper.
func NewMemoryCache(opts MemoryOptions) (*MemoryCache, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if opts.DisableSweep {
		return c, nil
	}

	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, func() { c.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.cron.Start()
	return c, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return "", ErrMiss
	}
	return e.value, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Expired cache entries swept")
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	return nil
}
