package stream

import (
	"errors"
	"time"

	"cryptostream/errkind"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
)

// BookSink receives every snapshot and delta written into a book.
type BookSink interface {
	Publish(u models.BookUpdate) bool
}

// Dispatcher classifies inbound frames and routes each to exactly one
// handler. It is the only writer of the Store.
type Dispatcher struct {
	venue    Venue
	registry *Registry
	store    *Store
	auth     *AuthGate
	alive    func()
	sink     BookSink
	log      *logger.Entry
}

func NewDispatcher(v Venue, registry *Registry, store *Store, auth *AuthGate, alive func(), sink BookSink) *Dispatcher {
	return &Dispatcher{
		venue:    v,
		registry: registry,
		store:    store,
		auth:     auth,
		alive:    alive,
		sink:     sink,
		log:      logger.GetLogger().WithComponent("dispatcher").WithVenue(v.Name()),
	}
}

// Handle processes one frame. Frames must be handled in arrival order.
func (d *Dispatcher) Handle(frame []byte) {
	msg, err := d.venue.Classify(frame)
	if err != nil {
		d.log.WithError(err).WithFields(logger.Fields{"bytes": len(frame)}).Warn("undecodable frame")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	metrics.Frame(d.venue.Name(), msg.Kind.String())

	if msg.Err != nil {
		d.handleError(msg)
		return
	}

	switch msg.Kind {
	case KindPong:
		if d.alive != nil {
			d.alive()
		}
	case KindAuth:
		if d.auth != nil {
			d.auth.accept(msg.ReceivedAt)
		}
		d.registry.Resolve(AuthKey, msg.ReceivedAt)
	case KindSubscribed:
		if key, ok := d.registry.Ack(msg.ID); ok {
			d.log.WithFields(logger.Fields{"key": key}).Debug("subscription acknowledged")
		}
	case KindOrderBook:
		d.handleBook(msg)
	case KindTrades:
		d.handleTrades(msg)
	case KindTicker:
		d.handleTicker(msg)
	case KindOrder:
		d.handleOrders(msg)
	case KindBalance:
		d.handleBalance(msg)
	case KindPosition:
		d.handlePositions(msg)
	case KindOHLCV:
		d.handleOHLCV(msg)
	case KindUnknown:
		d.log.WithFields(logger.Fields{"bytes": len(frame)}).Debug("ignoring unrecognised frame")
	}
}

// keyFor returns the subscription key a frame belongs to.
func (d *Dispatcher) keyFor(msg Message) string {
	if msg.ID != 0 {
		if key, ok := d.registry.KeyForID(msg.ID); ok {
			return key
		}
	}
	if msg.Key == "" && msg.Kind == KindAuth {
		return AuthKey
	}
	return msg.Key
}

func (d *Dispatcher) handleError(msg Message) {
	verr := d.venue.Errors().Map(d.venue.Name(), msg.Err.Code, msg.Err.Message)
	if msg.Kind == KindAuth && !errors.Is(verr, errkind.AuthenticationError) {
		verr.Kind = errkind.AuthenticationError
	}
	key := d.keyFor(msg)
	if key == "" {
		d.log.WithError(verr).Warn("venue error without subscription")
		return
	}
	d.log.WithError(verr).WithFields(logger.Fields{"key": key}).Warn("venue rejected subscription")
	d.registry.Reject(key, verr)
}

func (d *Dispatcher) parseFailed(key string, kind MessageKind, err error) {
	d.log.WithError(err).WithFields(logger.Fields{"key": key, "kind": kind.String()}).Warn("failed to parse payload")
	if key != "" {
		d.registry.Reject(key, errkind.Wrap(errkind.ExchangeError, err, "parse %s", kind))
	}
}

func (d *Dispatcher) handleBook(msg Message) {
	key := d.keyFor(msg)
	if _, ok := d.registry.State(key); !ok {
		// venues without an unsubscribe frame keep pushing after unwatch
		d.store.dropBook(key)
		d.log.WithFields(logger.Fields{"key": key}).Debug("dropping book frame without subscription")
		return
	}
	u, err := d.venue.ParseBook(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	if msg.ID != 0 {
		d.registry.Ack(msg.ID)
	}
	u.Venue = d.venue.Name()
	u.ReceivedAt = msg.ReceivedAt
	if u.Symbol == "" {
		u.Symbol = msg.Symbol
	}

	rec := d.store.book(key, u.Symbol, func() orderbook.Handlers { return d.bookHandlers(key, u.Symbol) })
	if u.Snapshot || msg.Snapshot {
		rec.HandleSnapshot(u)
		return
	}
	rec.HandleDelta(u)
}

func (d *Dispatcher) bookHandlers(key, symbol string) orderbook.Handlers {
	venue := d.venue.Name()
	return orderbook.Handlers{
		OnUpdate: func(v orderbook.View) {
			d.registry.Resolve(key, v)
		},
		OnApply: func(u models.BookUpdate) {
			if d.sink != nil {
				d.sink.Publish(u)
			}
		},
		OnFailure: func(err error) {
			metrics.SyncFailure(venue, symbol)
			d.registry.Reject(key, err)
			d.store.dropBook(key)
		},
		OnResync: func(string) {
			metrics.Resync(venue, symbol)
		},
	}
}

func (d *Dispatcher) handleTrades(msg Message) {
	key := d.keyFor(msg)
	trades, err := d.venue.ParseTrades(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.registry.Resolve(key, d.store.appendTrades(key, trades))
}

func (d *Dispatcher) handleTicker(msg Message) {
	key := d.keyFor(msg)
	t, err := d.venue.ParseTicker(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.store.setTicker(t)
	d.registry.Resolve(key, t)
}

func (d *Dispatcher) handleOrders(msg Message) {
	key := d.keyFor(msg)
	orders, err := d.venue.ParseOrders(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.registry.Resolve(key, d.store.upsertOrders(msg.Symbol, orders))
}

func (d *Dispatcher) handleBalance(msg Message) {
	key := d.keyFor(msg)
	b, err := d.venue.ParseBalance(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.registry.Resolve(key, d.store.mergeBalances(b))
}

func (d *Dispatcher) handlePositions(msg Message) {
	key := d.keyFor(msg)
	positions, err := d.venue.ParsePositions(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.registry.Resolve(key, d.store.upsertPositions(positions))
}

func (d *Dispatcher) handleOHLCV(msg Message) {
	key := d.keyFor(msg)
	bars, err := d.venue.ParseOHLCV(msg)
	if err != nil {
		d.parseFailed(key, msg.Kind, err)
		return
	}
	d.registry.Resolve(key, d.store.upsertOHLCV(key, bars))
}
