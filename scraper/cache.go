package scraper

import (
	"container/list"
	"sync"
	"time"

	"github.com/DevsHero/search-scrape/distill"
)

// cache is a TTL + LRU bounded response cache. Entries are whole extracted
// records; the payload capper runs after retrieval so a cached record can
// serve callers with different size limits.
//
// Auth-walled and CAPTCHA outcomes are never inserted; the controller
// enforces that, the cache just stores what it is given.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type cacheEntry struct {
	key     string
	rec     *distill.Record
	expires time.Time
}

func newCache(ttl time.Duration, max int) *cache {
	if max <= 0 {
		max = 10000
	}
	return &cache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// get returns a live entry and refreshes its recency. Expired entries are
// dropped on access.
func (c *cache) get(key string) (*distill.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.rec, true
}

// put inserts or refreshes an entry, evicting from the LRU tail past the
// size bound. Records with no extracted content are not worth caching; a
// rescrape might do better.
func (c *cache) put(key string, rec *distill.Record) {
	if rec == nil || rec.WordCount == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.rec = rec
		ent.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, rec: rec, expires: c.now().Add(c.ttl)})
	c.entries[key] = el

	for c.order.Len() > c.max {
		c.removeLocked(c.order.Back())
	}
}

func (c *cache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*cacheEntry)
	delete(c.entries, ent.key)
	c.order.Remove(el)
}
