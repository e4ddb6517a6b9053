// Package cache provides the monitor's counter stores and the in-process
// profile cache.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ProfileCache is a thread-safe LRU of behavior profiles with TTL support.
// Entries expire after ttl so updates from the aggregation job show up.
type ProfileCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type profileEntry struct {
	userID    string
	profile   domain.Profile
	expiresAt time.Time
}

// NewProfileCache creates a cache holding at most maxSize profiles for ttl each.
func NewProfileCache(maxSize int, ttl time.Duration) *ProfileCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ProfileCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the cached profile for userID, if present and fresh.
func (c *ProfileCache) Get(userID string) (domain.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[userID]
	if !ok {
		return domain.Profile{}, false
	}

	entry := elem.Value.(*profileEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		return domain.Profile{}, false
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.profile, true
}

// Set stores p under its user ID.
func (c *ProfileCache) Set(p domain.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	// Update existing entry
	if elem, ok := c.items[p.UserID]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*profileEntry)
		entry.profile = p
		entry.expiresAt = expiresAt
		return
	}

	elem := c.order.PushFront(&profileEntry{userID: p.UserID, profile: p, expiresAt: expiresAt})
	c.items[p.UserID] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
}

// Delete drops userID from the cache.
func (c *ProfileCache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[userID]; ok {
		c.removeElement(elem)
	}
}

// Stats returns cache statistics.
func (c *ProfileCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *ProfileCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*profileEntry)
	delete(c.items, entry.userID)
}

func (c *ProfileCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
