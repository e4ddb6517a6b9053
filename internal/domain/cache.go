package domain

import (
	"context"
	"time"
)

// CounterStore holds the suspicious-activity counters.
// Implementations must make Increment atomic per key.
type CounterStore interface {
	// Increment adds one to key and returns the new count. A ttl > 0 starts
	// a fresh window on the first increment; when the window lapses the
	// counter restarts at 1. A ttl of 0 never expires.
	Increment(ctx context.Context, key CounterKey, ttl time.Duration) (int64, error)

	// Snapshot returns current counts, only for userID when it is non-empty.
	Snapshot(ctx context.Context, userID string) (map[CounterKey]int64, error)

	// Reset removes all counters of userID.
	Reset(ctx context.Context, userID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for the counter store.
type CacheConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}
