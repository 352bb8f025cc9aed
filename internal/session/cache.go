package session

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     UserInfo
	expiresAt time.Time
}

// infoCache keeps derived user info per user id for a fixed TTL.
type infoCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock func() time.Time
	items map[string]cacheEntry
}

func newInfoCache(ttl time.Duration, clock func() time.Time) *infoCache {
	return &infoCache{ttl: ttl, clock: clock, items: map[string]cacheEntry{}}
}

func (c *infoCache) Set(key string, value UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheEntry{value: value, expiresAt: c.clock().Add(c.ttl)}
}

func (c *infoCache) Get(key string) (UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[key]
	if !ok || !c.clock().Before(entry.expiresAt) {
		return UserInfo{}, false
	}
	return entry.value, true
}

// Update replaces a live entry's value without extending its expiry.
func (c *infoCache) Update(key string, value UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return
	}
	entry.value = value
	c.items[key] = entry
}

func (c *infoCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *infoCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]cacheEntry{}
}
