package store

import (
	"context"
	"sync"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
)

// Backend is the store a Cached decorator wraps.
type Backend interface {
	Get(ctx context.Context, key domain.DayKey) (*domain.DayCacheEntry, error)
	Put(ctx context.Context, entry domain.DayCacheEntry) error
	Delete(ctx context.Context, key domain.DayKey) error
	ListKeys(ctx context.Context, scope string) ([]domain.DayKey, error)
	Scan(ctx context.Context, scope string, fn func(domain.DayCacheEntry, int64) error) error
}

// Cached wraps a Backend with an in-memory LRU of day entries. Reads fill
// the LRU, writes go through to the backend first. Only entries that are
// fresh at the time they are read or written are held, and a held entry that
// has since gone stale is dropped on its next read, so the LRU mostly holds
// settled historical days.
type Cached struct {
	inner   Backend
	cache   *lruCache
	metrics *observability.Metrics
}

// NewCached creates a cache decorator around a store.
func NewCached(inner Backend, maxEntries int, metrics *observability.Metrics) *Cached {
	return &Cached{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (c *Cached) Get(ctx context.Context, key domain.DayKey) (*domain.DayCacheEntry, error) {
	if entry, ok := c.cache.get(key); ok {
		if !domain.IsStale(&entry, domain.Now()) {
			c.metrics.StoreCache.WithLabelValues("hit").Inc()
			e := cloneEntry(entry)
			return &e, nil
		}
		c.cache.remove(key)
		c.metrics.StoreCache.WithLabelValues("expired").Inc()
	} else {
		c.metrics.StoreCache.WithLabelValues("miss").Inc()
	}

	entry, err := c.inner.Get(ctx, key)
	if err != nil || entry == nil {
		return entry, err
	}
	c.admit(*entry)
	return entry, nil
}

func (c *Cached) Put(ctx context.Context, entry domain.DayCacheEntry) error {
	if err := c.inner.Put(ctx, entry); err != nil {
		// The backend may hold a newer or older copy than the LRU now.
		c.cache.remove(entry.Key)
		return err
	}
	c.cache.remove(entry.Key)
	c.admit(entry)
	return nil
}

// admit holds a copy of entry unless it is already stale.
func (c *Cached) admit(entry domain.DayCacheEntry) {
	if domain.IsStale(&entry, domain.Now()) {
		return
	}
	c.cache.put(entry.Key, cloneEntry(entry))
}

func (c *Cached) Delete(ctx context.Context, key domain.DayKey) error {
	c.cache.remove(key)
	return c.inner.Delete(ctx, key)
}

func (c *Cached) ListKeys(ctx context.Context, scope string) ([]domain.DayKey, error) {
	return c.inner.ListKeys(ctx, scope)
}

func (c *Cached) Scan(ctx context.Context, scope string, fn func(domain.DayCacheEntry, int64) error) error {
	return c.inner.Scan(ctx, scope, fn)
}

// lruCache is a simple thread-safe LRU cache of day entries.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[domain.DayKey]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   domain.DayKey
	value domain.DayCacheEntry
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[domain.DayKey]*entry),
	}
}

func (c *lruCache) get(key domain.DayKey) (domain.DayCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.DayCacheEntry{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key domain.DayKey, value domain.DayCacheEntry) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) remove(key domain.DayKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.unlink(e)
	}
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlink(c.tail)
}
