package cache

import (
	"bytes"
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache implements Cache with an in-memory LRU bounded by the total size of its values
type MemoryCache struct {
	mu       sync.Mutex
	data     map[string]*list.Element
	order    *list.List
	size     int64
	maxBytes int64
	done     chan struct{}
	closed   sync.Once
}

type cacheItem struct {
	key        string
	value      []byte
	expiration time.Time
}

func (c *cacheItem) expired(now time.Time) bool {
	return !c.expiration.IsZero() && now.After(c.expiration)
}

// NewMemoryCache creates a new in-memory cache; maxBytes <= 0 disables the bound
func NewMemoryCache(maxBytes int64) *MemoryCache {
	mc := &MemoryCache{
		data:     make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		done:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go mc.cleanup()

	return mc
}

// Get retrieves a value from cache and marks it as recently used
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, exists := m.data[key]
	if !exists {
		cacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	item := element.Value.(*cacheItem)
	if item.expired(time.Now()) {
		m.removeElement(element)
		cacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	m.order.MoveToFront(element)
	cacheHits.WithLabelValues("memory").Inc()
	return bytes.Clone(item.value), nil
}

// Set stores a value in cache; a zero ttl never expires
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxBytes > 0 && int64(len(value)) > m.maxBytes {
		// Larger than the whole cache, keep the previous entry out as well
		if element, exists := m.data[key]; exists {
			m.removeElement(element)
		}
		return nil
	}

	// Callers keep ownership of the slice they passed
	value = bytes.Clone(value)

	var expiration time.Time
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}

	if element, exists := m.data[key]; exists {
		item := element.Value.(*cacheItem)
		m.size += int64(len(value)) - int64(len(item.value))
		item.value = value
		item.expiration = expiration
		m.order.MoveToFront(element)
	} else {
		item := &cacheItem{key: key, value: value, expiration: expiration}
		m.data[key] = m.order.PushFront(item)
		m.size += int64(len(value))
	}

	for m.maxBytes > 0 && m.size > m.maxBytes {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.removeElement(back)
		cacheEvictions.WithLabelValues("memory").Inc()
	}

	return nil
}

// Delete removes a value from cache
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, exists := m.data[key]; exists {
		m.removeElement(element)
	}
	return nil
}

// Exists checks if a key exists
func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, exists := m.data[key]
	if !exists {
		return false, nil
	}
	return !element.Value.(*cacheItem).expired(time.Now()), nil
}

// Clear removes all keys matching pattern
func (m *MemoryCache) Clear(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, element := range m.data {
		if matchPattern(key, pattern) {
			m.removeElement(element)
		}
	}
	return nil
}

// Len returns the number of entries
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// SizeBytes returns the total size of the cached values
func (m *MemoryCache) SizeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// removeElement must be called with the mutex held
func (m *MemoryCache) removeElement(element *list.Element) {
	item := element.Value.(*cacheItem)
	delete(m.data, item.key)
	m.order.Remove(element)
	m.size -= int64(len(item.value))
}

// cleanup periodically removes expired items
func (m *MemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for _, element := range m.data {
				if element.Value.(*cacheItem).expired(now) {
					m.removeElement(element)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (m *MemoryCache) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

// matchPattern performs simple pattern matching
func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(s, prefix)
	}

	return s == pattern
}
