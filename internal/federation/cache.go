package federation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatementCache stores raw entity configurations keyed by entity ID so
// repeated trust chain resolutions skip the network. Implementations must be
// safe for concurrent use and must never return a token past exp.
type StatementCache interface {
	Get(ctx context.Context, entityID string) (string, bool)
	Set(ctx context.Context, entityID, token string, exp time.Time)
	Invalidate(ctx context.Context, entityID string)
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is a thread-safe in-memory StatementCache of raw entity configurations keyed
// by entity ID. An entry lives for the configured TTL or until the
// statement's own exp, whichever comes first. A nil *Cache is valid and
// caches nothing.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a Cache. A non-positive ttl returns nil.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return nil
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached token for entityID.
func (c *Cache) Get(_ context.Context, entityID string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entityID]
	if !ok || e.expired(c.now()) {
		return "", false
	}
	return e.token, true
}

// Set stores token for entityID. exp is the statement's expiry; zero means
// only the TTL applies.
func (c *Cache) Set(_ context.Context, entityID, token string, exp time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt := c.now().Add(c.ttl)
	if !exp.IsZero() && exp.Before(expiresAt) {
		expiresAt = exp
	}
	c.entries[entityID] = &cacheEntry{token: token, expiresAt: expiresAt}
}

// Invalidate removes a specific entry from the cache.
func (c *Cache) Invalidate(_ context.Context, entityID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entityID)
}

// Evict removes all expired entries and returns how many were dropped.
func (c *Cache) Evict() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries (including expired).
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartEviction evicts expired entries every interval until ctx is done.
func (c *Cache) StartEviction(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if c == nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Evict(); n > 0 {
					logger.Debug("entity configuration cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}
