package allin

import (
	"context"
	"time"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/internal/symbols"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

// Exchange is the ALLIN client: the stream core plus typed watch calls.
type Exchange struct {
	*stream.Client
	resolver *symbols.Resolver
}

// New builds an Exchange from a venue section. Credentials, the auth
// session lifetime and the REST snapshot source come from cfg; opts are
// applied after them.
func New(cfg config.VenueConfig, opts ...stream.Option) *Exchange {
	resolver := symbols.NewResolver(Name, cfg.Symbols)
	fetcher := NewRESTFetcher(cfg.RESTURL, resolver,
		cfg.Snapshot.RateLimit.RequestsPerSecond, cfg.Snapshot.RateLimit.BurstSize, 10*time.Second)

	base := []stream.Option{
		stream.WithCredentials(cfg.APIKey, cfg.APISecret, cfg.AuthTTL),
		stream.WithSnapshotFetcher(fetcher),
	}
	return &Exchange{
		Client:   stream.NewClient(NewVenue(cfg.WSURL, resolver), append(base, opts...)...),
		resolver: resolver,
	}
}

func (e *Exchange) Resolver() *symbols.Resolver { return e.resolver }

// WatchOrderBook waits for the next update of symbol's book and returns at
// most limit levels per side (all levels when limit <= 0).
func (e *Exchange) WatchOrderBook(ctx context.Context, symbol string, limit int) (orderbook.View, error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return orderbook.View{}, err
	}
	view, err := stream.As[orderbook.View](e.WatchOnce(ctx, DepthKey(id), DepthRequest(id)))
	if err != nil {
		return orderbook.View{}, err
	}
	return view.Limit(limit), nil
}

// StreamOrderBook returns every book update of symbol until the stream is
// closed or the connection drops.
func (e *Exchange) StreamOrderBook(ctx context.Context, symbol string) (stream.TypedStream[orderbook.View], error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return stream.TypedStream[orderbook.View]{}, err
	}
	s, err := e.WatchStream(ctx, DepthKey(id), DepthRequest(id))
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

func (e *Exchange) klineSubscription(symbol, timeframe string) (string, stream.Request, error) {
	period, ok := Timeframes[timeframe]
	if !ok {
		return "", stream.Request{}, errkind.New(errkind.NotSupported, "%s has no %s timeframe", Name, timeframe)
	}
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return "", stream.Request{}, err
	}
	return KlineKey(period, id), KlineRequest(period, id), nil
}

// WatchOHLCV waits for the next candle update and returns the cached bars
// from since (zero for all) trimmed to the last limit.
func (e *Exchange) WatchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.OHLCV, error) {
	key, req, err := e.klineSubscription(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	bars, err := stream.As[[]models.OHLCV](e.WatchOnce(ctx, key, req))
	if err != nil {
		return nil, err
	}
	return filterBars(bars, since, limit), nil
}

func (e *Exchange) StreamOHLCV(ctx context.Context, symbol, timeframe string) (stream.TypedStream[[]models.OHLCV], error) {
	key, req, err := e.klineSubscription(symbol, timeframe)
	if err != nil {
		return stream.TypedStream[[]models.OHLCV]{}, err
	}
	s, err := e.WatchStream(ctx, key, req)
	if err != nil {
		return stream.TypedStream[[]models.OHLCV]{}, err
	}
	return stream.TypedStream[[]models.OHLCV]{Stream: s}, nil
}

func filterBars(bars []models.OHLCV, since time.Time, limit int) []models.OHLCV {
	out := bars
	if !since.IsZero() {
		out = make([]models.OHLCV, 0, len(bars))
		for _, b := range bars {
			if !b.Timestamp.Before(since) {
				out = append(out, b)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// WatchOrders authenticates if needed and waits for the next order update
// on symbol. The venue only streams orders per market.
func (e *Exchange) WatchOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if symbol == "" {
		return nil, errkind.New(errkind.BadRequest, "%s watchOrders requires a symbol", Name)
	}
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return nil, err
	}
	return stream.As[[]models.Order](e.WatchOnce(ctx, OrdersKey(id), OrdersRequest(id)))
}

// WatchBalance authenticates if needed and waits for the next asset update.
func (e *Exchange) WatchBalance(ctx context.Context) (models.Balances, error) {
	return stream.As[models.Balances](e.WatchOnce(ctx, BalanceKey, AssetRequest()))
}

func (e *Exchange) WatchTrades(context.Context, string) ([]models.Trade, error) {
	return nil, errkind.New(errkind.NotSupported, "%s watchTrades is not supported", Name)
}

// WatchTicker waits for the next quote of symbol.
func (e *Exchange) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	id, err := e.resolver.MarketID(symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	return stream.As[models.Ticker](e.WatchOnce(ctx, QuoteKey(id), QuoteRequest(id)))
}

// WatchTickers waits for the next quote on the all-markets channel and
// returns the cached tickers of symbols, or of every market seen so far.
func (e *Exchange) WatchTickers(ctx context.Context, symbols []string) (map[string]models.Ticker, error) {
	for _, symbol := range symbols {
		if _, err := e.resolver.MarketID(symbol); err != nil {
			return nil, err
		}
	}
	if _, err := e.WatchOnce(ctx, QuotesKey, QuotesRequest()); err != nil {
		return nil, err
	}
	return e.Store().Tickers(symbols...), nil
}

func (e *Exchange) WatchPositions(context.Context) ([]models.Position, error) {
	return nil, errkind.New(errkind.NotSupported, "%s watchPositions is not supported", Name)
}
