package cache

import (
	"sort"
	"sync"

	"cryptostream/models"
)

// ArrayCacheByTimestamp keeps OHLCV bars ordered by bucket start. A bar for
// an already cached bucket overwrites it; newer buckets append and evict the
// oldest once the limit is reached.
type ArrayCacheByTimestamp struct {
	mu    sync.RWMutex
	bars  []models.OHLCV
	limit int
}

func NewArrayCacheByTimestamp(limit int) *ArrayCacheByTimestamp {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &ArrayCacheByTimestamp{bars: make([]models.OHLCV, 0, limit), limit: limit}
}

// Upsert stores bar and reports whether it replaced an existing bucket.
func (c *ArrayCacheByTimestamp) Upsert(bar models.OHLCV) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.bars)
	if n > 0 {
		last := c.bars[n-1].Timestamp
		switch {
		case bar.Timestamp.Equal(last):
			c.bars[n-1] = bar
			return true
		case bar.Timestamp.Before(last):
			i := sort.Search(n, func(i int) bool { return !c.bars[i].Timestamp.Before(bar.Timestamp) })
			if i < n && c.bars[i].Timestamp.Equal(bar.Timestamp) {
				c.bars[i] = bar
				return true
			}
			if i == 0 && n == c.limit {
				// older than everything retained
				return false
			}
			c.bars = append(c.bars, models.OHLCV{})
			copy(c.bars[i+1:], c.bars[i:])
			c.bars[i] = bar
			c.trim()
			return false
		}
	}
	c.bars = append(c.bars, bar)
	c.trim()
	return false
}

func (c *ArrayCacheByTimestamp) trim() {
	if over := len(c.bars) - c.limit; over > 0 {
		n := copy(c.bars, c.bars[over:])
		c.bars = c.bars[:n]
	}
}

// Snapshot returns the bars oldest first.
func (c *ArrayCacheByTimestamp) Snapshot() []models.OHLCV {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.OHLCV, len(c.bars))
	copy(out, c.bars)
	return out
}

func (c *ArrayCacheByTimestamp) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bars)
}
