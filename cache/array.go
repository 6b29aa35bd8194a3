// Package cache holds the bounded rolling sequences kept per subscription:
// trades, orders, positions and OHLCV bars.
package cache

import "sync"

// DefaultLimit is used when a cache is created with a non-positive limit.
const DefaultLimit = 1000

// ArrayCache is a FIFO sequence bounded to limit entries. Appending past the
// limit evicts the oldest entries.
type ArrayCache[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func NewArrayCache[T any](limit int) *ArrayCache[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &ArrayCache[T]{items: make([]T, 0, limit), limit: limit}
}

// Append adds items in order, evicting from the front once full.
func (c *ArrayCache[T]) Append(items ...T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(items) >= c.limit {
		c.items = append(c.items[:0], items[len(items)-c.limit:]...)
		return
	}
	if over := len(c.items) + len(items) - c.limit; over > 0 {
		n := copy(c.items, c.items[over:])
		c.items = c.items[:n]
	}
	c.items = append(c.items, items...)
}

// Snapshot returns a copy of the cached items, oldest first.
func (c *ArrayCache[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *ArrayCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ArrayCache[T]) Limit() int {
	return c.limit
}
