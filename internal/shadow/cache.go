package shadow

import (
	"sync"
	"time"
)

// documentCache is a fixed-capacity TTL cache of shadow documents sitting
// in front of the storage provider. Every write path must call Put or
// Invalidate so the cache never outlives the stored truth beyond its TTL.
type documentCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	capacity int
	ttl      time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type cacheEntry struct {
	doc     *ShadowDocument
	expires time.Time
}

func newDocumentCache(capacity int, ttl time.Duration) *documentCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &documentCache{
		entries:  make(map[string]cacheEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns a copy of the cached document if present and fresh.
func (c *documentCache) Get(deviceID string) (*ShadowDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[deviceID]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, deviceID)
		return nil, false
	}
	return entry.doc.DeepCopy(), true
}

// Put stores a copy of doc, evicting the entry closest to expiry when at
// capacity.
func (c *documentCache) Put(deviceID string, doc *ShadowDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[deviceID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[deviceID] = cacheEntry{
		doc:     doc.DeepCopy(),
		expires: c.now().Add(c.ttl),
	}
}

// Invalidate drops the cached document for a device.
func (c *documentCache) Invalidate(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deviceID)
}

// Purge drops all cached documents.
func (c *documentCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry, c.capacity)
}

// Len returns the number of cached documents, expired or not.
func (c *documentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *documentCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		first     = true
	)
	for k, entry := range c.entries {
		if first || entry.expires.Before(oldest) {
			oldestKey, oldest = k, entry.expires
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
