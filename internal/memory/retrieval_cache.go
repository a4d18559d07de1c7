package memory

import (
	"sync"
	"time"
)

// retrievalCacheTTL is the fixed cache lifetime for one retrieval result,
// per spec §4.F step 6.
const retrievalCacheTTL = 60 * time.Second

// retrievalCacheSweepThreshold triggers an expired-entry sweep once the
// cache holds more than this many entries, per §9 Design Notes ("bounded
// by a periodic sweep when size > 100").
const retrievalCacheSweepThreshold = 100

type cacheEntry struct {
	value   string
	expires time.Time
}

// retrievalCache is an in-memory TTL cache keyed by (chatId, topicId,
// prompt prefix). A real LRU with explicit capacity is the recommended
// systems-language successor per §9; this keeps the source's
// sweep-on-grow idiom since the spec does not require true LRU eviction.
type retrievalCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newRetrievalCache() *retrievalCache {
	return &retrievalCache{entries: map[string]cacheEntry{}, now: time.Now}
}

func (c *retrievalCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *retrievalCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(retrievalCacheTTL)}
	if len(c.entries) > retrievalCacheSweepThreshold {
		c.sweepLocked()
	}
}

func (c *retrievalCache) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
