package cache

import (
	"container/list"
	"sync"
)

// LRU is a thread-safe least-recently-used map bounded by a total cost.
// It backs the cache of parsed DICOM files, whose values are not byte slices.
type LRU[V any] struct {
	mu      sync.Mutex
	maxCost int64
	cost    int64
	costFn  func(V) int64
	items   map[string]*list.Element
	order   *list.List
	name    string
}

type lruEntry[V any] struct {
	key   string
	value V
	cost  int64
}

// NewLRU creates a cache; costFn defaults to 1 per entry
func NewLRU[V any](name string, maxCost int64, costFn func(V) int64) *LRU[V] {
	if costFn == nil {
		costFn = func(V) int64 { return 1 }
	}
	return &LRU[V]{
		maxCost: maxCost,
		costFn:  costFn,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		name:    name,
	}
}

// Get retrieves a value and marks it as recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		cacheMisses.WithLabelValues(c.name).Inc()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	cacheHits.WithLabelValues(c.name).Inc()
	return element.Value.(*lruEntry[V]).value, true
}

// Add stores a value, evicting the least recently used entries past the bound
func (c *LRU[V]) Add(key string, value V) {
	cost := c.costFn(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*lruEntry[V])
		c.cost += cost - entry.cost
		entry.value = value
		entry.cost = cost
		c.order.MoveToFront(element)
	} else {
		c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, cost: cost})
		c.cost += cost
	}

	// Always keep the entry that was just added
	for c.maxCost > 0 && c.cost > c.maxCost && c.order.Len() > 1 {
		c.removeElement(c.order.Back())
		cacheEvictions.WithLabelValues(c.name).Inc()
	}
}

// Invalidate removes an entry
func (c *LRU[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		c.removeElement(element)
	}
}

// Len returns the number of entries
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[V]) removeElement(element *list.Element) {
	entry := element.Value.(*lruEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
	c.cost -= entry.cost
}
