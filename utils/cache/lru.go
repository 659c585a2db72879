// Package cache provides a generic key-presence LRU, used by a session
// to avoid re-enqueueing the same tracker-supplied peer address on
// every announce.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCacheConfig defines LRUCache configuration.
type LRUCacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

func (c LRUCacheConfig) applyDefaults() LRUCacheConfig {
	if c.Size == 0 {
		c.Size = 300
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	return c
}

type entry struct {
	key      string
	addedAt  time.Time
}

// LRUCache tracks presence of a bounded set of keys, evicting the least
// recently touched key once Size is exceeded, and additionally expiring
// entries older than TTL.
type LRUCache struct {
	mu     sync.Mutex
	config LRUCacheConfig
	ll     *list.List
	items  map[string]*list.Element
}

// NewLRUCache creates a new LRUCache.
func NewLRUCache(config LRUCacheConfig) *LRUCache {
	config = config.applyDefaults()
	return &LRUCache{
		config: config,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Add marks key as present, moving it to the front of the LRU order. If
// adding key exceeds Size, the least recently touched key is evicted.
func (c *LRUCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).addedAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, addedAt: time.Now()})
	c.items[key] = el

	for c.ll.Len() > c.config.Size {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

// Has returns whether key is present and not expired.
func (c *LRUCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if time.Since(el.Value.(*entry).addedAt) > c.config.TTL {
		c.removeElement(el)
		return false
	}
	return true
}

// Delete removes key from the cache, if present.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear empties the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Size returns the number of entries currently cached.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LRUCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
