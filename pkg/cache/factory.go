package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// New builds the cache backend named by cfg.Backend ("memory" or "redis").
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(MemoryOptions{Logger: logger, SweepSchedule: cfg.SweepSchedule})
	case "redis":
		return NewRedisCache(ctx, cfg.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
