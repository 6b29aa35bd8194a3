package cache

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/models"
)

func TestArrayCacheKeepsLastN(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		batches [][]int
		want    []int
	}{
		{"under limit", 5, [][]int{{1, 2}, {3}}, []int{1, 2, 3}},
		{"exactly full", 3, [][]int{{1, 2, 3}}, []int{1, 2, 3}},
		{"evicts oldest", 3, [][]int{{1, 2}, {3, 4}, {5}}, []int{3, 4, 5}},
		{"batch larger than limit", 2, [][]int{{1}, {2, 3, 4, 5}}, []int{4, 5}},
	}
	for _, tt := range tests {
		c := NewArrayCache[int](tt.limit)
		for _, b := range tt.batches {
			c.Append(b...)
		}
		if got := c.Snapshot(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestArrayCacheNPlusK(t *testing.T) {
	const n, k = 10, 7
	c := NewArrayCache[int](n)
	for i := 0; i < n+k; i++ {
		c.Append(i)
	}
	got := c.Snapshot()
	if len(got) != n {
		t.Fatalf("expected %d items, got %d", n, len(got))
	}
	for i, v := range got {
		if v != k+i {
			t.Fatalf("position %d: got %d, want %d", i, v, k+i)
		}
	}
}

func TestArrayCacheSnapshotIsCopy(t *testing.T) {
	c := NewArrayCache[int](3)
	c.Append(1, 2)
	snap := c.Snapshot()
	snap[0] = 99
	if c.Snapshot()[0] != 1 {
		t.Fatalf("snapshot aliases cache storage")
	}
}

func TestArrayCacheByIDUpdatesInPlace(t *testing.T) {
	c := NewArrayCacheByID(3, func(o models.Order) string { return o.ID })

	c.Upsert(models.Order{ID: "1", Status: models.OrderOpen})
	c.Upsert(models.Order{ID: "2", Status: models.OrderOpen})
	if existed := c.Upsert(models.Order{ID: "1", Status: models.OrderClosed}); !existed {
		t.Fatalf("expected existing id to be reported")
	}
	if c.Len() != 2 {
		t.Fatalf("resubmission grew the cache: %d", c.Len())
	}
	snap := c.Snapshot()
	if snap[0].ID != "1" || snap[0].Status != models.OrderClosed {
		t.Errorf("order 1 not updated in place: %+v", snap[0])
	}

	c.Upsert(models.Order{ID: "3"})
	c.Upsert(models.Order{ID: "4"})
	if _, ok := c.Get("1"); ok {
		t.Errorf("oldest id should have been evicted")
	}
	ids := []string{}
	for _, o := range c.Snapshot() {
		ids = append(ids, o.ID)
	}
	if !reflect.DeepEqual(ids, []string{"2", "3", "4"}) {
		t.Errorf("unexpected order: %v", ids)
	}

	filtered := c.Filter(func(o models.Order) bool { return o.ID != "3" })
	if len(filtered) != 2 {
		t.Errorf("unexpected filter result: %v", filtered)
	}
}

func bar(min int, close int64) models.OHLCV {
	return models.OHLCV{
		Timestamp: time.Unix(int64(min)*60, 0),
		Close:     decimal.NewFromInt(close),
	}
}

func TestArrayCacheByTimestamp(t *testing.T) {
	c := NewArrayCacheByTimestamp(3)

	c.Upsert(bar(1, 10))
	c.Upsert(bar(2, 20))
	if replaced := c.Upsert(bar(2, 21)); !replaced {
		t.Fatalf("update to latest bucket should overwrite")
	}
	if c.Len() != 2 {
		t.Fatalf("unexpected length %d", c.Len())
	}
	c.Upsert(bar(3, 30))
	c.Upsert(bar(4, 40))

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("unexpected length %d", len(snap))
	}
	if !snap[0].Timestamp.Equal(bar(2, 0).Timestamp) || !snap[0].Close.Equal(decimal.NewFromInt(21)) {
		t.Errorf("unexpected oldest bar: %+v", snap[0])
	}

	if replaced := c.Upsert(bar(3, 31)); !replaced {
		t.Errorf("older retained bucket should be overwritten")
	}
	if c.Upsert(bar(0, 1)); c.Len() != 3 {
		t.Errorf("bar older than retained window should not grow the cache")
	}
	if got := c.Snapshot()[1].Close; !got.Equal(decimal.NewFromInt(31)) {
		t.Errorf("unexpected close %s", got)
	}
}
