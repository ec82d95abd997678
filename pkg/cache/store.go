package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a response cache backend.
type Store interface {
	// Get returns the entry for key, or ErrCacheMiss.
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)
	// Set stores entry under key. Expired entries are not stored.
	Set(ctx context.Context, key CacheKey, entry *CacheEntry) error
	// Delete removes key.
	Delete(ctx context.Context, key CacheKey) error
	// TTL is the lifetime new entries should get.
	TTL() time.Duration
}

// Default bounds for MemoryStore.
const (
	DefaultCapacity = 1024
	DefaultTTL      = 30 * time.Minute
)

// MemoryStore is a bounded, in-process LRU cache with per-entry expiry.
// It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry *CacheEntry
}

// NewMemoryStore creates a MemoryStore holding at most capacity entries for
// ttl each. Non-positive values fall back to the defaults.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// TTL implements Store.
func (m *MemoryStore) TTL() time.Duration {
	return m.ttl
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key CacheKey) (*CacheEntry, error) {
	k := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[k]
	if !ok {
		CacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	item := el.Value.(*memoryItem)
	if item.entry.IsExpired() {
		m.removeElement(el)
		CacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	m.order.MoveToFront(el)
	CacheHits.WithLabelValues("memory").Inc()
	return item.entry, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		CacheErrors.WithLabelValues("set").Inc()
		return errors.New("cache entry cannot be nil")
	}
	if entry.TTL() <= 0 {
		return nil
	}

	k := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[k]; ok {
		el.Value.(*memoryItem).entry = entry
		m.order.MoveToFront(el)
		return nil
	}

	m.items[k] = m.order.PushFront(&memoryItem{key: k, entry: entry})

	for m.order.Len() > m.capacity {
		m.removeElement(m.order.Back())
		CacheEvictions.WithLabelValues("memory").Inc()
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key CacheKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key.String()]; ok {
		m.removeElement(el)
	}
	return nil
}

// removeElement must be called with m.mu held.
func (m *MemoryStore) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*memoryItem).key)
}
