package cache

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the counter store selected by configuration.
// For Community tier: returns the in-process store.
// For Pro tier: returns the Redis store shared by all nodes.
func New(cfg domain.CacheConfig) (domain.CounterStore, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryCounterStore(), nil

	case "redis":
		return NewRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)

	default:
		return nil, fmt.Errorf("unsupported counter store type: %s", cfg.Type)
	}
}
