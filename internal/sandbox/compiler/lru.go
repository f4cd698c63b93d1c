package compiler

import (
	"container/list"
	"sync"
)

// lru is a concurrent, size-and-count-bounded cache keyed by content hash
// (§4.5 step 4: "insert into an LRU cache {max_entries, max_total_size}").
//
// No LRU library appears anywhere in the example corpus's go.mod files, so
// this is hand-rolled on container/list (stdlib) rather than imported; see
// DESIGN.md for the justification.
type lru struct {
	mu         sync.Mutex
	maxEntries int
	maxSize    int64
	totalSize  int64
	ll         *list.List
	items      map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []byte
}

func newLRU(cfg CacheConfig) *lru {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 128
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = 256 * 1024 * 1024
	}
	return &lru{
		maxEntries: cfg.MaxEntries,
		maxSize:    cfg.MaxTotalSize,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

func (c *lru) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lru) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.totalSize -= int64(len(el.Value.(*lruEntry).value))
		el.Value.(*lruEntry).value = value
		c.totalSize += int64(len(value))
		c.ll.MoveToFront(el)
		c.evictLocked()
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	c.totalSize += int64(len(value))
	c.evictLocked()
}

func (c *lru) evictLocked() {
	for (len(c.items) > c.maxEntries || c.totalSize > c.maxSize) && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*lruEntry)
		c.ll.Remove(back)
		delete(c.items, entry.key)
		c.totalSize -= int64(len(entry.value))
	}
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
