package orderbook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cryptostream/errkind"
	"cryptostream/logger"
	"cryptostream/models"
)

// State is the reconciliation state of one instrument.
type State int

const (
	Uninitialized State = iota
	Buffering
	Synced
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Buffering:
		return "buffering"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SnapshotFetcher loads a full book for symbol, typically over REST.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (models.BookUpdate, error)
}

// FetcherFunc adapts a function to SnapshotFetcher.
type FetcherFunc func(ctx context.Context, symbol string) (models.BookUpdate, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, symbol string) (models.BookUpdate, error) {
	return f(ctx, symbol)
}

type Config struct {
	MaxAttempts  int
	FetchTimeout time.Duration
	RetryDelay   time.Duration
	MaxBuffer    int
	Depth        int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 1000
	}
	return c
}

// Handlers receive reconciliation events. They run with the reconciler
// locked and must not block or call back into it.
type Handlers struct {
	// OnUpdate fires after every change to a synced book.
	OnUpdate func(View)
	// OnApply fires for every snapshot or delta written into the book.
	OnApply func(models.BookUpdate)
	// OnFailure fires when no usable snapshot could be obtained.
	OnFailure func(error)
	// OnResync fires whenever a snapshot fetch is started.
	OnResync func(reason string)
}

// Reconciler merges snapshots and deltas for one instrument.
//
// Deltas arriving before a snapshot, or after a sequence gap, are buffered
// and a single snapshot fetch is started. Deltas at or below the book nonce
// are dropped.
type Reconciler struct {
	mu       sync.Mutex
	ctx      context.Context
	symbol   string
	book     *OrderBook
	state    State
	buffer   []models.BookUpdate
	fetching bool
	attempts int
	fetches  int
	epoch    int
	fetcher  SnapshotFetcher
	cfg      Config
	handlers Handlers
	log      *logger.Entry
}

// NewReconciler builds a reconciler. ctx bounds background snapshot fetches;
// fetcher may be nil for venues that push snapshots on the stream.
func NewReconciler(ctx context.Context, symbol string, fetcher SnapshotFetcher, cfg Config, h Handlers) *Reconciler {
	return &Reconciler{
		ctx:      ctx,
		symbol:   symbol,
		book:     New(symbol),
		fetcher:  fetcher,
		cfg:      cfg.withDefaults(),
		handlers: h,
		log:      logger.GetLogger().WithComponent("reconciler").WithFields(logger.Fields{"symbol": symbol}),
	}
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Fetches returns how many snapshot fetches have been started.
func (r *Reconciler) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Buffered returns how many deltas are waiting for a snapshot.
func (r *Reconciler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// View returns a copy of the current book and whether it is synced.
func (r *Reconciler) View(depth int) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.View(depth), r.state == Synced
}

// Reset drops all state and returns to Uninitialized. In-flight fetches
// complete into the void.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Reconciler) resetLocked() {
	r.state = Uninitialized
	r.buffer = nil
	r.attempts = 0
	r.fetching = false
	r.epoch++
	r.book.Clear()
}

// HandleDelta feeds one delta in arrival order.
func (r *Reconciler) HandleDelta(d models.BookUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Uninitialized:
		r.state = Buffering
		r.bufferLocked(d)
		r.triggerFetchLocked("no snapshot")
	case Buffering:
		r.bufferLocked(d)
		r.triggerFetchLocked("buffering")
	case Synced:
		if !d.Sequenced() {
			r.applyLocked(d)
			r.publishLocked()
			return
		}
		nonce := r.book.Nonce()
		switch {
		case d.Sequence <= nonce:
			r.log.WithFields(logger.Fields{"sequence": d.Sequence, "nonce": nonce}).Debug("dropping stale delta")
		case d.First() <= nonce+1:
			r.applyLocked(d)
			r.publishLocked()
		default:
			r.log.WithFields(logger.Fields{"sequence": d.Sequence, "first": d.First(), "nonce": nonce}).Warn("sequence gap detected")
			r.state = Buffering
			r.buffer = nil
			r.bufferLocked(d)
			r.triggerFetchLocked("sequence gap")
		}
	}
}

// HandleSnapshot installs a snapshot, whether fetched or pushed by the venue.
func (r *Reconciler) HandleSnapshot(s models.BookUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotLocked(s)
}

func (r *Reconciler) snapshotLocked(s models.BookUpdate) {
	// after a gap the book still holds the pre-gap nonce, so an older
	// snapshot would move it backwards
	if s.Sequenced() && s.Sequence < r.book.Nonce() {
		nonce := r.book.Nonce()
		if r.state != Buffering {
			r.log.WithFields(logger.Fields{"sequence": s.Sequence, "nonce": nonce}).Debug("ignoring stale snapshot")
			return
		}
		r.attempts++
		r.log.WithFields(logger.Fields{"sequence": s.Sequence, "nonce": nonce, "attempt": r.attempts}).Warn("snapshot older than book")
		if r.attempts >= r.cfg.MaxAttempts {
			r.failLocked(errkind.New(errkind.OrderBookSyncFailure,
				"%s: snapshot nonce %d stays behind book nonce %d after %d attempts",
				r.symbol, s.Sequence, nonce, r.attempts))
			return
		}
		r.triggerFetchLocked("stale snapshot")
		return
	}

	s.Snapshot = true
	r.book.Reset(s)
	if r.handlers.OnApply != nil {
		r.handlers.OnApply(s)
	}

	pending := r.buffer
	r.buffer = nil
	for i, d := range pending {
		if !d.Sequenced() {
			r.applyLocked(d)
			continue
		}
		nonce := r.book.Nonce()
		if d.Sequence <= nonce {
			continue
		}
		if d.First() > nonce+1 {
			// still a hole between the snapshot and the buffered deltas
			r.buffer = append(r.buffer, pending[i:]...)
			r.state = Buffering
			r.attempts++
			if r.attempts >= r.cfg.MaxAttempts {
				r.failLocked(errkind.New(errkind.OrderBookSyncFailure,
					"%s: snapshot nonce %d does not reach buffered sequence %d after %d attempts",
					r.symbol, nonce, d.First(), r.attempts))
				return
			}
			r.triggerFetchLocked("snapshot behind buffer")
			return
		}
		r.applyLocked(d)
	}

	r.state = Synced
	r.attempts = 0
	r.publishLocked()
}

func (r *Reconciler) applyLocked(d models.BookUpdate) {
	r.book.Apply(d)
	if r.handlers.OnApply != nil {
		r.handlers.OnApply(d)
	}
}

func (r *Reconciler) publishLocked() {
	if r.handlers.OnUpdate != nil {
		r.handlers.OnUpdate(r.book.View(r.cfg.Depth))
	}
}

// bufferLocked inserts d ordered by sequence, replacing a duplicate.
func (r *Reconciler) bufferLocked(d models.BookUpdate) {
	if !d.Sequenced() {
		r.buffer = append(r.buffer, d)
	} else {
		i := sort.Search(len(r.buffer), func(i int) bool {
			return r.buffer[i].Sequenced() && r.buffer[i].Sequence >= d.Sequence
		})
		if i < len(r.buffer) && r.buffer[i].Sequence == d.Sequence {
			r.buffer[i] = d
		} else {
			r.buffer = append(r.buffer, models.BookUpdate{})
			copy(r.buffer[i+1:], r.buffer[i:])
			r.buffer[i] = d
		}
	}
	if over := len(r.buffer) - r.cfg.MaxBuffer; over > 0 {
		r.buffer = r.buffer[over:]
	}
}

// triggerFetchLocked starts one snapshot fetch unless one is in flight.
func (r *Reconciler) triggerFetchLocked(reason string) {
	if r.fetching || r.fetcher == nil {
		return
	}
	r.fetching = true
	r.fetches++
	epoch := r.epoch
	if r.handlers.OnResync != nil {
		r.handlers.OnResync(reason)
	}
	r.log.WithFields(logger.Fields{"reason": reason, "attempt": r.attempts + 1}).Info("fetching order book snapshot")

	delay := time.Duration(0)
	if r.attempts > 0 {
		delay = r.cfg.RetryDelay
	}
	go r.fetch(epoch, delay)
}

func (r *Reconciler) fetch(epoch int, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			r.completeFetch(epoch, models.BookUpdate{}, r.ctx.Err())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
	start := time.Now()
	snap, err := r.fetcher.FetchSnapshot(ctx, r.symbol)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		err = errkind.Wrap(errkind.Timeout, err, "snapshot fetch for %s exceeded %s", r.symbol, r.cfg.FetchTimeout)
	}
	logger.LogPerformanceEntry(r.log, "reconciler", "snapshot_fetch", time.Since(start), logger.Fields{"symbol": r.symbol})
	r.completeFetch(epoch, snap, err)
}

func (r *Reconciler) completeFetch(epoch int, snap models.BookUpdate, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch != r.epoch {
		return
	}
	r.fetching = false
	if r.state != Buffering {
		return
	}

	if err != nil {
		r.attempts++
		r.log.WithError(err).WithFields(logger.Fields{"attempt": r.attempts}).Warn("snapshot fetch failed")
		if r.ctx.Err() != nil || r.attempts >= r.cfg.MaxAttempts {
			r.failLocked(errkind.Wrap(errkind.OrderBookSyncFailure, err,
				"%s: no snapshot after %d attempts", r.symbol, r.attempts))
			return
		}
		r.triggerFetchLocked("retry")
		return
	}
	r.snapshotLocked(snap)
}

func (r *Reconciler) failLocked(err error) {
	r.log.WithError(err).Error("order book reconciliation failed")
	r.resetLocked()
	if r.handlers.OnFailure != nil {
		r.handlers.OnFailure(err)
	}
}
