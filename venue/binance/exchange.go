package binance

import (
	"context"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/internal/snapshot"
	"cryptostream/internal/symbols"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

// Exchange streams public Binance futures data.
type Exchange struct {
	*stream.Client
	resolver *symbols.Resolver
}

// New builds an Exchange whose books are seeded by the configured snapshot
// source (go-binance depth by default).
func New(cfg config.VenueConfig, opts ...stream.Option) *Exchange {
	resolver := symbols.NewResolver(Name, cfg.Symbols)

	var base []stream.Option
	if cfg.Snapshot.Source == "" {
		cfg.Snapshot.Source = Name
	}
	fetcher, err := snapshot.New(Name, cfg)
	if err != nil {
		logger.GetLogger().WithComponent("binance").WithError(err).Warn("order books will not sync without a snapshot source")
	} else {
		base = append(base, stream.WithSnapshotFetcher(fetcher))
	}
	return &Exchange{
		Client:   stream.NewClient(NewVenue(cfg.WSURL, resolver), append(base, opts...)...),
		resolver: resolver,
	}
}

func (e *Exchange) Resolver() *symbols.Resolver { return e.resolver }

// WatchOrderBook waits for the next update of symbol's synced book. The
// first call blocks until the REST snapshot and buffered deltas line up.
func (e *Exchange) WatchOrderBook(ctx context.Context, symbol string, limit int) (orderbook.View, error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return orderbook.View{}, err
	}
	view, err := stream.As[orderbook.View](e.WatchOnce(ctx, DepthKey(id), Subscribe(DepthKey(id))))
	if err != nil {
		return orderbook.View{}, err
	}
	return view.Limit(limit), nil
}

func (e *Exchange) StreamOrderBook(ctx context.Context, symbol string) (stream.TypedStream[orderbook.View], error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return stream.TypedStream[orderbook.View]{}, err
	}
	s, err := e.WatchStream(ctx, DepthKey(id), Subscribe(DepthKey(id)))
	if err != nil {
		return stream.TypedStream[orderbook.View]{}, err
	}
	return stream.TypedStream[orderbook.View]{Stream: s}, nil
}

// OrderBook returns the cached book of symbol and whether it is synced.
func (e *Exchange) OrderBook(symbol string) (orderbook.View, bool) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return orderbook.View{}, false
	}
	return e.Client.OrderBook(DepthKey(id))
}

// UnwatchOrderBook unsubscribes symbol's depth stream and drops its book.
func (e *Exchange) UnwatchOrderBook(symbol string) bool {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return false
	}
	return e.Unwatch(DepthKey(id))
}

// WatchTrades waits for the next aggregated trade and returns the trades
// cached for symbol.
func (e *Exchange) WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return nil, err
	}
	return stream.As[[]models.Trade](e.WatchOnce(ctx, TradesKey(id), Subscribe(TradesKey(id))))
}

func (e *Exchange) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	return stream.As[models.Ticker](e.WatchOnce(ctx, TickerKey(id), Subscribe(TickerKey(id))))
}

func (e *Exchange) WatchOrders(context.Context, string) ([]models.Order, error) {
	return nil, errkind.New(errkind.NotSupported, "%s watchOrders is not supported", Name)
}

func (e *Exchange) WatchBalance(context.Context) (models.Balances, error) {
	return models.Balances{}, errkind.New(errkind.NotSupported, "%s watchBalance is not supported", Name)
}

func (e *Exchange) WatchPositions(context.Context) ([]models.Position, error) {
	return nil, errkind.New(errkind.NotSupported, "%s watchPositions is not supported", Name)
}
