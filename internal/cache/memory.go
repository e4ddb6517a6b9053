package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryCounterStore keeps activity counters in a mutex-guarded map.
// Used by the Community tier and by tests.
type MemoryCounterStore struct {
	mu       sync.RWMutex
	counters map[domain.CounterKey]*counterEntry
	now      func() time.Time
}

type counterEntry struct {
	count int64

	// expiresAt is zero for counters that never expire.
	expiresAt time.Time
}

func (e *counterEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[domain.CounterKey]*counterEntry),
		now:      time.Now,
	}
}

// Increment atomically increments key.
func (s *MemoryCounterStore) Increment(ctx context.Context, key domain.CounterKey, ttl time.Duration) (int64, error) {
	if key.UserID == "" {
		return 0, fmt.Errorf("userID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.counters[key]

	if !ok || entry.expired(now) {
		// Start new counter window
		entry = &counterEntry{count: 1}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		s.counters[key] = entry
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// Snapshot copies the live counters. Writers are blocked only for the copy.
func (s *MemoryCounterStore) Snapshot(ctx context.Context, userID string) (map[domain.CounterKey]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[domain.CounterKey]int64)
	for k, e := range s.counters {
		if userID != "" && k.UserID != userID {
			continue
		}
		if e.expired(now) {
			continue
		}
		out[k] = e.count
	}
	return out, nil
}

// Reset removes every counter of userID.
func (s *MemoryCounterStore) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.counters {
		if k.UserID == userID {
			delete(s.counters, k)
		}
	}
	return nil
}

// Sweep drops expired counters and returns how many were removed.
func (s *MemoryCounterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.counters {
		if e.expired(now) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed
}

// Ping checks store health.
func (s *MemoryCounterStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops all counters.
func (s *MemoryCounterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[domain.CounterKey]*counterEntry)
	return nil
}
