package searcher

import (
	"sync"
	"time"
)

const cachePruneAt = 256

// resultCache is a small TTL map for fused result lists. Search traffic is
// bursty and repetitive (agents retry the same query), so a flat map with
// opportunistic pruning is enough; no LRU bookkeeping needed at this size.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]resultEntry
	now     func() time.Time
}

type resultEntry struct {
	results []Result
	expires time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]resultEntry),
		now:     time.Now,
	}
}

func (c *resultCache) get(key string) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.results, true
}

func (c *resultCache) put(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= cachePruneAt {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		// Still full of live entries: drop arbitrary ones rather than grow.
		for k := range c.entries {
			if len(c.entries) < cachePruneAt {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[key] = resultEntry{results: results, expires: c.now().Add(c.ttl)}
}
