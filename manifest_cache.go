package depot

import (
	"sync"
	"time"
)

const (
	defaultManifestCacheCapacity = 16
	defaultManifestTTL           = 30 * time.Minute
	defaultManifestTTI           = 10 * time.Minute
)

// manifestCache is a bounded in-memory cache with both absolute (TTL) and
// idle (TTI) expiry. Values are immutable once inserted, so concurrent
// readers share them safely.
type manifestCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	tti      time.Duration
	now      func() time.Time
	entries  map[string]*manifestCacheEntry
}

type manifestCacheEntry struct {
	manifest *Manifest
	inserted time.Time
	lastUsed time.Time
}

func newManifestCache() *manifestCache {
	return &manifestCache{
		capacity: defaultManifestCacheCapacity,
		ttl:      defaultManifestTTL,
		tti:      defaultManifestTTI,
		now:      time.Now,
		entries:  make(map[string]*manifestCacheEntry),
	}
}

func (c *manifestCache) get(key string) (*Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if c.expired(e, now) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastUsed = now
	return e.manifest, true
}

func (c *manifestCache) put(key string, m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.capacity {
		c.evictIdlest()
	}
	c.entries[key] = &manifestCacheEntry{
		manifest: m,
		inserted: now,
		lastUsed: now,
	}
}

func (c *manifestCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *manifestCache) expired(e *manifestCacheEntry, now time.Time) bool {
	if c.ttl > 0 && now.Sub(e.inserted) >= c.ttl {
		return true
	}
	if c.tti > 0 && now.Sub(e.lastUsed) >= c.tti {
		return true
	}
	return false
}

// evictIdlest removes the entry least recently used. Caller holds mu.
func (c *manifestCache) evictIdlest() {
	var victim string
	var oldest time.Time
	for k, e := range c.entries {
		if victim == "" || e.lastUsed.Before(oldest) {
			victim = k
			oldest = e.lastUsed
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
