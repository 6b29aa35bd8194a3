package stream

import (
	"context"
	"sync"

	"cryptostream/cache"
	"cryptostream/config"
	"cryptostream/models"
	"cryptostream/orderbook"
)

// Store is the per-client market state. Only the dispatcher writes to it;
// readers get copies.
type Store struct {
	ctx       context.Context
	limits    config.CacheConfig
	reconcile orderbook.Config
	fetcher   orderbook.SnapshotFetcher

	mu        sync.RWMutex
	books     map[string]*orderbook.Reconciler
	trades    map[string]*cache.ArrayCache[models.Trade]
	ohlcv     map[string]*cache.ArrayCacheByTimestamp
	tickers   map[string]models.Ticker
	balances  models.Balances
	orders    *cache.ArrayCacheByID[models.Order]
	positions *cache.ArrayCacheByID[models.Position]
}

func NewStore(ctx context.Context, limits config.CacheConfig, reconcile orderbook.Config, fetcher orderbook.SnapshotFetcher) *Store {
	reconcile.Depth = limits.BookDepth
	return &Store{
		ctx:       ctx,
		limits:    limits,
		reconcile: reconcile,
		fetcher:   fetcher,
		books:     make(map[string]*orderbook.Reconciler),
		trades:    make(map[string]*cache.ArrayCache[models.Trade]),
		ohlcv:     make(map[string]*cache.ArrayCacheByTimestamp),
		tickers:   make(map[string]models.Ticker),
		balances:  models.Balances{Assets: make(map[string]models.Balance)},
		orders:    cache.NewArrayCacheByID(limits.OrdersLimit, func(o models.Order) string { return o.ID }),
		positions: cache.NewArrayCacheByID(limits.PositionsLimit, models.Position.Key),
	}
}

// book returns the reconciler for key, creating it with h on first use.
func (s *Store) book(key, symbol string, h func() orderbook.Handlers) *orderbook.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.books[key]
	if !ok {
		r = orderbook.NewReconciler(s.ctx, symbol, s.fetcher, s.reconcile, h())
		s.books[key] = r
	}
	return r
}

func (s *Store) dropBook(key string) {
	s.mu.Lock()
	delete(s.books, key)
	s.mu.Unlock()
}

// resetBooks forgets every book. Reconcilers are reset outside the store
// lock because their handlers may call back into the store.
func (s *Store) resetBooks() {
	s.mu.Lock()
	books := s.books
	s.books = make(map[string]*orderbook.Reconciler)
	s.mu.Unlock()
	for _, r := range books {
		r.Reset()
	}
}

// OrderBook returns the view of the book subscribed under key.
func (s *Store) OrderBook(key string) (orderbook.View, bool) {
	s.mu.RLock()
	r, ok := s.books[key]
	s.mu.RUnlock()
	if !ok {
		return orderbook.View{}, false
	}
	return r.View(s.reconcile.Depth)
}

// BookState returns the reconciliation state of the book under key.
func (s *Store) BookState(key string) orderbook.State {
	s.mu.RLock()
	r, ok := s.books[key]
	s.mu.RUnlock()
	if !ok {
		return orderbook.Uninitialized
	}
	return r.State()
}

func (s *Store) appendTrades(key string, trades []models.Trade) []models.Trade {
	s.mu.Lock()
	c, ok := s.trades[key]
	if !ok {
		c = cache.NewArrayCache[models.Trade](s.limits.TradesLimit)
		s.trades[key] = c
	}
	s.mu.Unlock()
	c.Append(trades...)
	return c.Snapshot()
}

func (s *Store) Trades(key string) []models.Trade {
	s.mu.RLock()
	c, ok := s.trades[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Snapshot()
}

func (s *Store) upsertOHLCV(key string, bars []models.OHLCV) []models.OHLCV {
	s.mu.Lock()
	c, ok := s.ohlcv[key]
	if !ok {
		c = cache.NewArrayCacheByTimestamp(s.limits.OHLCVLimit)
		s.ohlcv[key] = c
	}
	s.mu.Unlock()
	for _, b := range bars {
		c.Upsert(b)
	}
	return c.Snapshot()
}

func (s *Store) OHLCV(key string) []models.OHLCV {
	s.mu.RLock()
	c, ok := s.ohlcv[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Snapshot()
}

func (s *Store) setTicker(t models.Ticker) {
	s.mu.Lock()
	s.tickers[t.Symbol] = t
	s.mu.Unlock()
}

func (s *Store) Ticker(symbol string) (models.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// Tickers copies the cached tickers of symbols, or of every symbol when
// none are given.
func (s *Store) Tickers(symbols ...string) map[string]models.Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Ticker)
	if len(symbols) == 0 {
		for sym, t := range s.tickers {
			out[sym] = t
		}
		return out
	}
	for _, sym := range symbols {
		if t, ok := s.tickers[sym]; ok {
			out[sym] = t
		}
	}
	return out
}

// upsertOrders stores orders by id and returns the cached orders for symbol,
// or all orders when symbol is empty.
func (s *Store) upsertOrders(symbol string, orders []models.Order) []models.Order {
	for _, o := range orders {
		s.orders.Upsert(o)
	}
	return s.Orders(symbol)
}

func (s *Store) Orders(symbol string) []models.Order {
	if symbol == "" {
		return s.orders.Snapshot()
	}
	return s.orders.Filter(func(o models.Order) bool { return o.Symbol == symbol })
}

func (s *Store) mergeBalances(b models.Balances) models.Balances {
	s.mu.Lock()
	defer s.mu.Unlock()
	for currency, bal := range b.Assets {
		s.balances.Assets[currency] = bal
	}
	if !b.Timestamp.IsZero() {
		s.balances.Timestamp = b.Timestamp
	}
	return s.balances.Clone()
}

func (s *Store) Balances() models.Balances {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances.Clone()
}

func (s *Store) upsertPositions(positions []models.Position) []models.Position {
	for _, p := range positions {
		s.positions.Upsert(p)
	}
	return s.positions.Snapshot()
}

func (s *Store) Positions() []models.Position {
	return s.positions.Snapshot()
}
