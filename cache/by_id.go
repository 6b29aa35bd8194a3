package cache

import "sync"

// ArrayCacheByID is a bounded FIFO where entries are keyed by an id. Upserting
// an existing id replaces the entry in place and keeps its position.
type ArrayCacheByID[T any] struct {
	mu    sync.RWMutex
	ids   []string
	items map[string]T
	limit int
	idOf  func(T) string
}

func NewArrayCacheByID[T any](limit int, idOf func(T) string) *ArrayCacheByID[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &ArrayCacheByID[T]{
		ids:   make([]string, 0, limit),
		items: make(map[string]T, limit),
		limit: limit,
		idOf:  idOf,
	}
}

// Upsert stores item and reports whether an entry with the same id existed.
func (c *ArrayCacheByID[T]) Upsert(item T) bool {
	id := c.idOf(item)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; ok {
		c.items[id] = item
		return true
	}
	if len(c.ids) == c.limit {
		oldest := c.ids[0]
		delete(c.items, oldest)
		n := copy(c.ids, c.ids[1:])
		c.ids = c.ids[:n]
	}
	c.ids = append(c.ids, id)
	c.items[id] = item
	return false
}

func (c *ArrayCacheByID[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Snapshot returns the entries in first-insertion order.
func (c *ArrayCacheByID[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.items[id])
	}
	return out
}

// Filter returns the entries matching keep, in first-insertion order.
func (c *ArrayCacheByID[T]) Filter(keep func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, id := range c.ids {
		if item := c.items[id]; keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func (c *ArrayCacheByID[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
