package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// incrementScript increments a counter and starts its expiry window on the
// first increment. ARGV[1] <= 0 means no expiry.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 and tonumber(ARGV[1]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

const scanBatch = 500

// RedisCounterStore keeps activity counters in Redis so every node shares
// them. Used by the Pro tier.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore connects to Redis and verifies the connection.
func NewRedisCounterStore(addr, password string, db int, prefix string) (*RedisCounterStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCounterStoreWithClient(client, prefix), nil
}

// NewRedisCounterStoreWithClient wraps an existing client.
func NewRedisCounterStoreWithClient(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "kestrel"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

// Increment atomically increments key.
func (s *RedisCounterStore) Increment(ctx context.Context, key domain.CounterKey, ttl time.Duration) (int64, error) {
	if key.UserID == "" {
		return 0, fmt.Errorf("userID is required")
	}

	result, err := incrementScript.Run(ctx, s.client, []string{s.makeKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return result, nil
}

// Snapshot scans the counters, only those of userID when it is non-empty.
// Counters that expire during the scan are skipped.
func (s *RedisCounterStore) Snapshot(ctx context.Context, userID string) (map[domain.CounterKey]int64, error) {
	out := make(map[domain.CounterKey]int64)

	err := s.scan(ctx, userID, func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			ck, ok := s.parseKey(keys[i])
			if !ok {
				continue
			}
			var n int64
			if _, err := fmt.Sscan(str, &n); err != nil {
				continue
			}
			out[ck] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}
	return out, nil
}

// Reset removes every counter of userID.
func (s *RedisCounterStore) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	err := s.scan(ctx, userID, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to reset counters for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisCounterStore) scan(ctx context.Context, userID string, fn func(keys []string) error) error {
	pattern := s.prefix + ":activity:*"
	if userID != "" {
		pattern = s.prefix + ":activity:" + escapeGlob(userID) + ":*"
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if userID != "" {
			keys = s.ownedBy(keys, userID)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks Redis connectivity.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

// makeKey renders prefix:activity:{userID}:{activity}.
func (s *RedisCounterStore) makeKey(key domain.CounterKey) string {
	return s.prefix + ":activity:" + key.UserID + ":" + string(key.Activity)
}

// parseKey reverses makeKey. User IDs may contain ':'; activity types never do.
func (s *RedisCounterStore) parseKey(full string) (domain.CounterKey, bool) {
	rest, ok := strings.CutPrefix(full, s.prefix+":activity:")
	if !ok {
		return domain.CounterKey{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return domain.CounterKey{}, false
	}
	return domain.CounterKey{UserID: rest[:i], Activity: domain.ActivityType(rest[i+1:])}, true
}

// ownedBy keeps the keys whose user ID is exactly userID. The per-user scan
// pattern also matches users whose ID starts with userID followed by ':'.
func (s *RedisCounterStore) ownedBy(keys []string, userID string) []string {
	out := keys[:0]
	for _, k := range keys {
		if ck, ok := s.parseKey(k); ok && ck.UserID == userID {
			out = append(out, k)
		}
	}
	return out
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
