package auth

import (
	"container/list"
	"sync"
	"time"

	"contestkit.org/internal/obs"
)

const (
	DefaultCacheCapacity = 1000
	DefaultCacheTTL      = time.Minute
)

// Cache is a bounded map that evicts in insertion order once full. Lookups
// do not refresh an entry's position. With a max age, entries older than it
// are dropped on lookup.
//
// GetOrCreate runs the factory outside the lock; concurrent misses on the
// same key may compute the value more than once and the last insert wins.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	now      func() time.Time
	entries  map[string]*list.Element
	order    *list.List
}

type cacheEntry[V any] struct {
	key    string
	value  V
	stored time.Time
}

type cacheSettings struct {
	maxAge time.Duration
	now    func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*cacheSettings)

// WithMaxAge expires entries d after they were stored. Zero keeps entries
// until they are evicted or invalidated.
func WithMaxAge(d time.Duration) CacheOption {
	return func(s *cacheSettings) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithCacheClock injects the clock used for entry age.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(s *cacheSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCache returns a cache holding at most capacity entries.
func NewCache[V any](capacity int, opts ...CacheOption) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	s := cacheSettings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &Cache[V]{
		capacity: capacity,
		maxAge:   s.maxAge,
		now:      s.now,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached value for key. An entry past its max age is
// removed and reported as missing.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := el.Value.(*cacheEntry[V])
	if c.maxAge > 0 && c.now().Sub(entry.stored) >= c.maxAge {
		c.order.Remove(el)
		delete(c.entries, key)
		obs.PrincipalCacheEvent("expire")
		return zero, false
	}
	return entry.value, true
}

// GetOrCreate returns the cached value for key or stores the factory's
// result. Factory errors are returned and nothing is cached.
func (c *Cache[V]) GetOrCreate(key string, factory func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		obs.PrincipalCacheEvent("hit")
		return v, nil
	}
	obs.PrincipalCacheEvent("miss")
	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Put inserts or replaces key. Replacing keeps the original insertion slot
// and restarts the entry's age.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry[V])
		entry.value, entry.stored = value, now
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = c.order.PushBack(&cacheEntry[V]{key: key, value: value, stored: now})
}

// Invalidate drops key if present.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := c.order.Remove(front).(*cacheEntry[V])
	delete(c.entries, entry.key)
	obs.PrincipalCacheEvent("evict")
}
