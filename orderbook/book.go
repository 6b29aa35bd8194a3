// Package orderbook maintains per-instrument books built from snapshots and
// deltas and reconciles them against venue sequence numbers.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/models"
)

// side is one half of a book. Prices are kept sorted best first.
type side struct {
	descending bool
	sizes      map[string]decimal.Decimal
	prices     []decimal.Decimal
}

func newSide(descending bool) side {
	return side{descending: descending, sizes: make(map[string]decimal.Decimal)}
}

func (s *side) better(a, b decimal.Decimal) bool {
	if s.descending {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index of price, or where it would be inserted.
func (s *side) search(price decimal.Decimal) int {
	return sort.Search(len(s.prices), func(i int) bool {
		return !s.better(s.prices[i], price)
	})
}

// store sets the size at price; a zero size removes the level.
func (s *side) store(price, size decimal.Decimal) {
	key := price.String()
	_, exists := s.sizes[key]

	if size.IsZero() {
		if !exists {
			return
		}
		delete(s.sizes, key)
		i := s.search(price)
		if i < len(s.prices) && s.prices[i].Equal(price) {
			s.prices = append(s.prices[:i], s.prices[i+1:]...)
		}
		return
	}

	s.sizes[key] = size
	if exists {
		return
	}
	i := s.search(price)
	s.prices = append(s.prices, decimal.Decimal{})
	copy(s.prices[i+1:], s.prices[i:])
	s.prices[i] = price
}

func (s *side) clear() {
	s.sizes = make(map[string]decimal.Decimal)
	s.prices = s.prices[:0]
}

func (s *side) best() (models.PriceLevel, bool) {
	if len(s.prices) == 0 {
		return models.PriceLevel{}, false
	}
	p := s.prices[0]
	return models.PriceLevel{Price: p, Size: s.sizes[p.String()]}, true
}

func (s *side) top(n int) []models.PriceLevel {
	if n <= 0 || n > len(s.prices) {
		n = len(s.prices)
	}
	out := make([]models.PriceLevel, n)
	for i := 0; i < n; i++ {
		p := s.prices[i]
		out[i] = models.PriceLevel{Price: p, Size: s.sizes[p.String()]}
	}
	return out
}

// OrderBook is a mutable book. It is not safe for concurrent use; the
// Reconciler serializes access and hands out Views to readers.
type OrderBook struct {
	Symbol    string
	bids      side
	asks      side
	nonce     int64
	timestamp time.Time
}

func New(symbol string) *OrderBook {
	return &OrderBook{Symbol: symbol, bids: newSide(true), asks: newSide(false)}
}

// Reset replaces the book contents with a snapshot.
func (b *OrderBook) Reset(snap models.BookUpdate) {
	b.bids.clear()
	b.asks.clear()
	b.nonce = 0
	b.Apply(snap)
}

// Apply stores every level of u and advances the nonce and timestamp.
func (b *OrderBook) Apply(u models.BookUpdate) {
	for _, lvl := range u.Bids {
		b.bids.store(lvl.Price, lvl.Size)
	}
	for _, lvl := range u.Asks {
		b.asks.store(lvl.Price, lvl.Size)
	}
	if u.Sequence > b.nonce {
		b.nonce = u.Sequence
	}
	if !u.Timestamp.IsZero() {
		b.timestamp = u.Timestamp
	}
}

func (b *OrderBook) Clear() {
	b.bids.clear()
	b.asks.clear()
	b.nonce = 0
	b.timestamp = time.Time{}
}

func (b *OrderBook) Nonce() int64 { return b.nonce }

func (b *OrderBook) BestBid() (models.PriceLevel, bool) { return b.bids.best() }

func (b *OrderBook) BestAsk() (models.PriceLevel, bool) { return b.asks.best() }

func (b *OrderBook) Depth() (bids, asks int) { return len(b.bids.prices), len(b.asks.prices) }

// View copies up to depth levels per side; depth <= 0 copies everything.
func (b *OrderBook) View(depth int) View {
	return View{
		Symbol:    b.Symbol,
		Bids:      b.bids.top(depth),
		Asks:      b.asks.top(depth),
		Nonce:     b.nonce,
		Timestamp: b.timestamp,
	}
}

// View is an immutable copy of a book handed to watchers.
type View struct {
	Symbol    string              `json:"symbol"`
	Bids      []models.PriceLevel `json:"bids"`
	Asks      []models.PriceLevel `json:"asks"`
	Nonce     int64               `json:"nonce"`
	Timestamp time.Time           `json:"timestamp"`
}

// Limit trims the view to n levels per side.
func (v View) Limit(n int) View {
	if n > 0 && len(v.Bids) > n {
		v.Bids = v.Bids[:n]
	}
	if n > 0 && len(v.Asks) > n {
		v.Asks = v.Asks[:n]
	}
	return v
}

func (v View) BestBid() (models.PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return models.PriceLevel{}, false
	}
	return v.Bids[0], true
}

func (v View) BestAsk() (models.PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return models.PriceLevel{}, false
	}
	return v.Asks[0], true
}

// Crossed reports a best bid at or above the best ask.
func (v View) Crossed() bool {
	bid, okb := v.BestBid()
	ask, oka := v.BestAsk()
	return okb && oka && !bid.Price.LessThan(ask.Price)
}
