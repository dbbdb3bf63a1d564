// Package cache provides the advisory key/value layer placed in front of
// the similarity index. Entries are populated on read misses and removed
// by explicit invalidation; the TTL only bounds how long a missed
// invalidation can survive.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
// An empty string is a valid cached value and is never reported as a miss.
var ErrMiss = errors.New("cache miss")

// DefaultTTL bounds the lifetime of a cached entry.
const DefaultTTL = time.Hour

// Cache is a string key/value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// ProjectContextKey caches the joined project description.
func ProjectContextKey(projectID string) string {
	return "project:" + projectID + ":context"
}

// ProjectTasksKey caches the JSON list of task texts.
func ProjectTasksKey(projectID string) string {
	return "project:" + projectID + ":tasks"
}

// ProjectKeys returns every key derived from a project.
func ProjectKeys(projectID string) []string {
	return []string{ProjectContextKey(projectID), ProjectTasksKey(projectID)}
}

// Config selects and configures a cache backend.
type Config struct {
	Backend       string `json:"backend" mapstructure:"backend"`
	RedisURL      string `json:"redis_url" mapstructure:"redis_url"`
	TTLSeconds    int    `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// TTL returns the configured entry lifetime.
func (c Config) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(c.TTLSeconds) * time.Second
}
