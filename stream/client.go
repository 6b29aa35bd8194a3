package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
)

type Options struct {
	Stream    config.StreamConfig
	Reconcile config.ReconcileConfig
	Cache     config.CacheConfig
	APIKey    string
	APISecret string
	AuthTTL   time.Duration
	Fetcher   orderbook.SnapshotFetcher
	Sink      BookSink
}

type Option func(*Options)

// WithConfig copies the stream, reconcile and cache sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *Options) {
		o.Stream = cfg.Stream
		o.Reconcile = cfg.Reconcile
		o.Cache = cfg.Cache
	}
}

func WithCredentials(apiKey, apiSecret string, ttl time.Duration) Option {
	return func(o *Options) {
		o.APIKey = apiKey
		o.APISecret = apiSecret
		o.AuthTTL = ttl
	}
}

func WithSnapshotFetcher(f orderbook.SnapshotFetcher) Option {
	return func(o *Options) { o.Fetcher = f }
}

func WithBookSink(s BookSink) Option {
	return func(o *Options) { o.Sink = s }
}

// Client multiplexes subscriptions for one venue over one connection.
type Client struct {
	venue      Venue
	opts       Options
	session    string
	conn       *Conn
	registry   *Registry
	store      *Store
	auth       *AuthGate
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connecting is held by Connect and by a running reconnect loop.
	connecting chan struct{}
	lifeMu     sync.Mutex
	closed     atomic.Bool
	log        *logger.Entry
}

func NewClient(v Venue, opts ...Option) *Client {
	defaults := config.Default()
	o := Options{
		Stream:    defaults.Stream,
		Reconcile: defaults.Reconcile,
		Cache:     defaults.Cache,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		venue:   v,
		opts:    o,
		session: uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,

		connecting: make(chan struct{}, 1),
	}
	c.log = logger.GetLogger().WithComponent("client").WithVenue(v.Name()).WithFields(logger.Fields{"session": c.session})

	var ping func(id int64) any
	if frame := v.Ping(0); frame != nil {
		ping = v.Ping
	}
	c.conn = NewConn(ConnConfig{
		Name:              v.Name(),
		URL:               v.URL(),
		ConnectTimeout:    o.Stream.ConnectTimeout,
		WriteTimeout:      o.Stream.WriteTimeout,
		PingInterval:      o.Stream.PingInterval,
		PongTimeout:       o.Stream.PongTimeout,
		ReadLimit:         o.Stream.ReadLimit,
		RequestsPerSecond: o.Stream.RateLimit.RequestsPerSecond,
		BurstSize:         o.Stream.RateLimit.BurstSize,
		Ping:              ping,
	}, c.handleFrame, c.handleDrop)

	c.registry = NewRegistry(c.conn, RegistryConfig{
		SubscribeTimeout: o.Stream.SubscribeTimeout,
		StreamBuffer:     o.Stream.StreamBuffer,
		Unsubscribe:      v.Unsubscribe,
		OnStreamDrop:     func() { metrics.StreamDrop(v.Name()) },
		OnChange:         func(n int) { metrics.ActiveSubscriptions(v.Name(), n) },
	})
	c.store = NewStore(ctx, o.Cache, orderbook.Config{
		MaxAttempts:  o.Reconcile.MaxAttempts,
		FetchTimeout: o.Reconcile.FetchTimeout,
		RetryDelay:   o.Reconcile.RetryDelay,
		MaxBuffer:    o.Reconcile.MaxBuffer,
	}, o.Fetcher)
	c.auth = NewAuthGate(v, c.registry, o.APIKey, o.APISecret, o.AuthTTL)
	c.dispatcher = NewDispatcher(v, c.registry, c.store, c.auth, c.conn.MarkAlive, o.Sink)
	return c
}

func (c *Client) Venue() Venue { return c.venue }

func (c *Client) Store() *Store { return c.store }

func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) State() ConnState { return c.conn.State() }

func (c *Client) handleFrame(frame []byte) {
	c.dispatcher.Handle(frame)
}

// handleDrop rejects every waiter with ConnectionLost and schedules a
// reconnect that replays the subscriptions that were active.
func (c *Client) handleDrop(cause error) {
	lost := errkind.Wrap(errkind.ConnectionLost, cause, "%s connection lost", c.venue.Name())
	replay := c.registry.RejectAll(lost)
	c.store.resetBooks()
	c.auth.reset()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed.Load() || !c.opts.Stream.Reconnect.Enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect(replay)
	}()
}

// Connect opens the connection if needed. Callers queue behind a running
// reconnect until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errkind.New(errkind.NotConnected, "%s client closed", c.venue.Name())
	}
	select {
	case c.connecting <- struct{}{}:
	case <-ctx.Done():
		return contextError(ctx)
	}
	defer func() { <-c.connecting }()
	if c.closed.Load() {
		return errkind.New(errkind.NotConnected, "%s client closed", c.venue.Name())
	}
	if c.conn.State() == StateOpen {
		return nil
	}
	return c.conn.Connect(ctx)
}

func (c *Client) reconnect(replay []Replay) {
	select {
	case c.connecting <- struct{}{}:
	case <-c.ctx.Done():
		return
	}
	defer func() { <-c.connecting }()

	policy := c.opts.Stream.Reconnect
	b := &backoff.Backoff{
		Min:    policy.MinDelay,
		Max:    policy.MaxDelay,
		Factor: policy.Factor,
		Jitter: policy.Jitter,
	}

	for attempt := 1; policy.MaxAttempts <= 0 || attempt <= policy.MaxAttempts; attempt++ {
		if c.closed.Load() {
			return
		}
		delay := b.Duration()
		c.log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Warn("reconnecting")
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}

		err := c.conn.Connect(c.ctx)
		metrics.Reconnect(c.venue.Name(), err == nil)
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect failed")
			continue
		}
		c.log.WithFields(logger.Fields{"attempt": attempt, "replay": len(replay)}).Info("reconnected")
		c.replay(replay)
		return
	}
	c.log.WithFields(logger.Fields{"attempts": policy.MaxAttempts}).Error("giving up reconnecting")
}

func (c *Client) replay(replay []Replay) {
	var authErr error
	authTried := false
	for _, r := range replay {
		if r.Key == AuthKey {
			continue
		}
		if r.Request.Private {
			if !authTried {
				authTried = true
				ctx, cancel := context.WithTimeout(c.ctx, c.opts.Stream.SubscribeTimeout)
				authErr = c.auth.Authenticate(ctx)
				cancel()
				if authErr != nil {
					c.log.WithError(authErr).Warn("re-authentication failed, private subscriptions not replayed")
				}
			}
			if authErr != nil {
				continue
			}
		}
		c.registry.Replay(c.ctx, r.Key, r.Request)
	}
}

// Authenticate signs in, reusing a live session.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.auth.Authenticate(ctx)
}

func (c *Client) prepare(ctx context.Context, req Request) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if req.Private {
		return c.auth.Authenticate(ctx)
	}
	return nil
}

// WatchOnce subscribes to key if needed and returns its next value.
func (c *Client) WatchOnce(ctx context.Context, key string, req Request) (any, error) {
	if err := c.prepare(ctx, req); err != nil {
		return nil, err
	}
	return c.registry.WatchOnce(ctx, key, req).Wait(ctx)
}

// WatchStream subscribes to key if needed and returns a stream of its
// values. The stream ends with ConnectionLost on a drop; watch again to
// continue after the reconnect.
func (c *Client) WatchStream(ctx context.Context, key string, req Request) (*Stream, error) {
	if err := c.prepare(ctx, req); err != nil {
		return nil, err
	}
	return c.registry.WatchStream(ctx, key, req), nil
}

// Unwatch closes every waiter of key and unsubscribes.
func (c *Client) Unwatch(key string) bool {
	c.store.dropBook(key)
	return c.registry.Unwatch(key)
}

// OrderBook returns the current view of the book subscribed under key and
// whether it is synced.
func (c *Client) OrderBook(key string) (orderbook.View, bool) {
	return c.store.OrderBook(key)
}

func (c *Client) Trades(key string) []models.Trade { return c.store.Trades(key) }

func (c *Client) OHLCV(key string) []models.OHLCV { return c.store.OHLCV(key) }

func (c *Client) Orders(symbol string) []models.Order { return c.store.Orders(symbol) }

func (c *Client) Balances() models.Balances { return c.store.Balances() }

// Close tears the connection down and rejects outstanding waiters.
func (c *Client) Close() error {
	c.lifeMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.lifeMu.Unlock()
		return nil
	}
	c.lifeMu.Unlock()
	c.cancel()
	// a reconnect in flight may still open a session before it sees ctx
	c.wg.Wait()
	c.connecting <- struct{}{}
	err := c.conn.Close()
	<-c.connecting
	c.registry.RejectAll(errkind.New(errkind.Closed, "%s client closed", c.venue.Name()))
	c.store.resetBooks()
	c.log.Info("client closed")
	return err
}
