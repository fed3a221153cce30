package cache

import (
	"container/list"
	"sync"
	"time"
)

// Evicted is an entry removed from the cache. Callers release any resources
// held by Value after the cache lock has been dropped.
type Evicted[V any] struct {
	Key   string
	Value V
}

// LRU is a concurrent-safe, capacity-bounded cache with an idle TTL.
// A capacity of zero means unbounded; a TTL of zero disables idle expiry.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

type entry[V any] struct {
	key      string
	value    V
	lastUsed time.Time
}

// NewLRU creates an LRU cache.
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *LRU[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get retrieves a value and marks it as recently used.
// Entries idle past the TTL are treated as missing but left for Sweep.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	now := c.now()
	if c.ttl > 0 && now.Sub(e.lastUsed) > c.ttl {
		return zero, false
	}
	e.lastUsed = now
	c.order.MoveToFront(el)
	return e.value, true
}

// Peek retrieves a value without touching its recency.
func (c *LRU[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	return el.Value.(*entry[V]).value, true
}

// Put adds or replaces a value. It returns entries pushed out by the capacity
// bound, plus the replaced value when key already existed.
func (c *LRU[V]) Put(key string, value V) []Evicted[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []Evicted[V]
	now := c.now()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		evicted = append(evicted, Evicted[V]{Key: key, Value: e.value})
		e.value = value
		e.lastUsed = now
		c.order.MoveToFront(el)
		return evicted
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, lastUsed: now})

	for c.capacity > 0 && c.order.Len() > c.capacity {
		evicted = append(evicted, c.removeElement(c.order.Back()))
	}
	return evicted
}

// Remove deletes key and returns its value if present.
func (c *LRU[V]) Remove(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	return c.removeElement(el).Value, true
}

// RemoveOldest evicts the least recently used entry.
func (c *LRU[V]) RemoveOldest() (Evicted[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.order.Back()
	if el == nil {
		return Evicted[V]{}, false
	}
	return c.removeElement(el), true
}

// RemoveFunc deletes every entry whose key matches.
func (c *LRU[V]) RemoveFunc(match func(key string) bool) []Evicted[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []Evicted[V]
	for key, el := range c.items {
		if match(key) {
			evicted = append(evicted, c.removeElement(el))
		}
	}
	return evicted
}

// Sweep removes entries idle longer than the TTL.
func (c *LRU[V]) Sweep() []Evicted[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return nil
	}

	now := c.now()
	var evicted []Evicted[V]
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[V])
		if now.Sub(e.lastUsed) <= c.ttl {
			// Everything in front is more recent.
			break
		}
		evicted = append(evicted, c.removeElement(el))
		el = prev
	}
	return evicted
}

// Drain removes and returns every entry.
func (c *LRU[V]) Drain() []Evicted[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := make([]Evicted[V], 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		evicted = append(evicted, c.removeElement(el))
	}
	return evicted
}

// Len returns the number of entries, including idle ones not yet swept.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (c *LRU[V]) removeElement(el *list.Element) Evicted[V] {
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, e.key)
	return Evicted[V]{Key: e.key, Value: e.value}
}
