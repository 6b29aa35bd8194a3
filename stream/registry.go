package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"cryptostream/errkind"
	"cryptostream/logger"
)

// SubState is the lifecycle state of a subscription.
type SubState int

const (
	Pending SubState = iota
	Active
	Failed
	Closed
)

func (s SubState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender allocates a request id and writes the frame built for it.
type Sender interface {
	SendRequest(ctx context.Context, build func(id int64) any) (int64, error)
}

type subscription struct {
	key     string
	state   SubState
	request Request
	reqID   int64
	waiters map[uint64]waiter
	timer   *time.Timer
}

// Replay is a subscription that was active when the connection dropped.
type Replay struct {
	Key     string
	Request Request
}

type RegistryConfig struct {
	SubscribeTimeout time.Duration
	StreamBuffer     int
	// Unsubscribe returns the request cancelling key, or nil.
	Unsubscribe func(key string) *Request
	// OnStreamDrop fires when a slow stream consumer loses a value.
	OnStreamDrop func()
	// OnChange reports the number of registered subscriptions.
	OnChange func(n int)
}

// Registry maps subscription keys to their request, state and waiters.
type Registry struct {
	mu         sync.Mutex
	sender     Sender
	subs       map[string]*subscription
	byReqID    map[int64]string
	nextWaiter uint64
	cfg        RegistryConfig
	log        *logger.Entry
}

func NewRegistry(sender Sender, cfg RegistryConfig) *Registry {
	return &Registry{
		sender:  sender,
		subs:    make(map[string]*subscription),
		byReqID: make(map[int64]string),
		cfg:     cfg,
		log:     logger.GetLogger().WithComponent("registry"),
	}
}

// WatchOnce attaches a single-value waiter to key, subscribing if needed.
func (r *Registry) WatchOnce(ctx context.Context, key string, req Request) *Result {
	res := newResult()
	id := r.watch(ctx, key, req, res)
	res.detach = func() { r.Detach(key, id) }
	return res
}

// WatchStream attaches a streaming waiter to key, subscribing if needed.
func (r *Registry) WatchStream(ctx context.Context, key string, req Request) *Stream {
	s := newStream(r.cfg.StreamBuffer)
	s.onDrop = r.cfg.OnStreamDrop
	id := r.watch(ctx, key, req, s)
	s.detach = func() { r.Detach(key, id) }
	return s
}

// Replay re-sends a subscription with no waiters attached.
func (r *Registry) Replay(ctx context.Context, key string, req Request) {
	r.watch(ctx, key, req, nil)
}

func (r *Registry) watch(ctx context.Context, key string, req Request, w waiter) uint64 {
	r.mu.Lock()
	if sub, ok := r.subs[key]; ok && (sub.state == Active || sub.state == Pending) {
		id := r.attachLocked(sub, w)
		r.mu.Unlock()
		return id
	}

	sub := &subscription{
		key:     key,
		state:   Pending,
		request: req,
		waiters: make(map[uint64]waiter),
	}
	r.subs[key] = sub
	id := r.attachLocked(sub, w)
	if r.cfg.SubscribeTimeout > 0 {
		sub.timer = time.AfterFunc(r.cfg.SubscribeTimeout, func() { r.expire(sub) })
	}
	r.changedLocked()
	r.mu.Unlock()

	r.log.WithFields(logger.Fields{"key": key}).Debug("subscribing")
	r.send(ctx, sub)
	return id
}

func (r *Registry) attachLocked(sub *subscription, w waiter) uint64 {
	if w == nil {
		return 0
	}
	r.nextWaiter++
	sub.waiters[r.nextWaiter] = w
	return r.nextWaiter
}

func (r *Registry) send(ctx context.Context, sub *subscription) {
	if sub.request.Build == nil {
		return
	}
	_, err := r.sender.SendRequest(ctx, func(id int64) any {
		r.mu.Lock()
		if r.subs[sub.key] == sub {
			sub.reqID = id
			r.byReqID[id] = sub.key
		}
		r.mu.Unlock()
		return sub.request.Build(id)
	})
	if err == nil {
		return
	}
	if errkind.Of(err) == "" {
		err = errkind.Wrap(errkind.NotConnected, err, "subscribe %s", sub.key)
	}
	r.mu.Lock()
	if r.subs[sub.key] == sub {
		r.rejectLocked(sub, err)
	}
	r.mu.Unlock()
}

func (r *Registry) expire(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.key] != sub || sub.state != Pending {
		return
	}
	r.log.WithFields(logger.Fields{"key": sub.key}).Warn("subscribe timed out")
	r.rejectLocked(sub, errkind.New(errkind.Timeout, "no reply to subscribe %s within %s", sub.key, r.cfg.SubscribeTimeout))
}

// Resolve delivers v to every waiter of key and marks it Active. One-shot
// waiters are detached. It reports whether the key was registered.
func (r *Registry) Resolve(key string, v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	r.activateLocked(sub)
	for id, w := range sub.waiters {
		if w.deliver(v) {
			delete(sub.waiters, id)
		}
	}
	return true
}

// Ack marks the subscription sent with request id as Active.
func (r *Registry) Ack(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byReqID[id]
	if !ok {
		return "", false
	}
	if sub, ok := r.subs[key]; ok {
		r.activateLocked(sub)
	}
	return key, true
}

func (r *Registry) activateLocked(sub *subscription) {
	if sub.state != Pending {
		return
	}
	sub.state = Active
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	if sub.reqID != 0 {
		delete(r.byReqID, sub.reqID)
	}
}

// KeyForID returns the key of the pending subscription sent with id.
func (r *Registry) KeyForID(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byReqID[id]
	return key, ok
}

// Reject delivers err to every waiter of key. Pending subscriptions, auth
// failures and order book sync failures are evicted so the next watch
// starts clean.
func (r *Registry) Reject(key string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	r.rejectLocked(sub, err)
	return true
}

func (r *Registry) rejectLocked(sub *subscription, err error) {
	for id, w := range sub.waiters {
		w.fail(err)
		delete(sub.waiters, id)
	}
	if sub.state == Pending ||
		errors.Is(err, errkind.AuthenticationError) ||
		errors.Is(err, errkind.OrderBookSyncFailure) {
		sub.state = Failed
		r.evictLocked(sub)
	}
}

func (r *Registry) evictLocked(sub *subscription) {
	if r.subs[sub.key] != sub {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	if sub.reqID != 0 {
		delete(r.byReqID, sub.reqID)
	}
	delete(r.subs, sub.key)
	r.changedLocked()
}

// RejectAll rejects every waiter of every subscription with err exactly
// once and clears the registry. Subscriptions that were Active are returned
// for replay after a reconnect.
func (r *Registry) RejectAll(err error) []Replay {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replay []Replay
	for key, sub := range r.subs {
		for id, w := range sub.waiters {
			w.fail(err)
			delete(sub.waiters, id)
		}
		if sub.state == Active {
			replay = append(replay, Replay{Key: key, Request: sub.request})
		}
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.state = Failed
	}
	r.subs = make(map[string]*subscription)
	r.byReqID = make(map[int64]string)
	r.changedLocked()
	return replay
}

// Detach removes one waiter. When it was the last waiter the subscription
// is evicted and the venue unsubscribe frame, if any, is sent.
func (r *Registry) Detach(key string, id uint64) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, attached := sub.waiters[id]; !attached {
		r.mu.Unlock()
		return
	}
	delete(sub.waiters, id)
	if len(sub.waiters) > 0 {
		r.mu.Unlock()
		return
	}
	r.evictLocked(sub)
	r.mu.Unlock()

	r.sendUnsubscribe(key)
}

// Unwatch closes every waiter of key with Closed and unsubscribes.
func (r *Registry) Unwatch(key string) bool {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	closed := errkind.New(errkind.Closed, "unwatched %s", key)
	for id, w := range sub.waiters {
		w.fail(closed)
		delete(sub.waiters, id)
	}
	sub.state = Closed
	r.evictLocked(sub)
	r.mu.Unlock()

	r.sendUnsubscribe(key)
	return true
}

// Evict drops key without notifying waiters.
func (r *Registry) Evict(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		r.evictLocked(sub)
	}
}

func (r *Registry) sendUnsubscribe(key string) {
	if r.cfg.Unsubscribe == nil {
		return
	}
	req := r.cfg.Unsubscribe(key)
	if req == nil || req.Build == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.sender.SendRequest(ctx, req.Build); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"key": key}).Debug("unsubscribe not sent")
	}
}

// State returns the state of key and whether it is registered.
func (r *Registry) State(key string) (SubState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return 0, false
	}
	return sub.state, true
}

// Waiters returns how many waiters are attached to key.
func (r *Registry) Waiters(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		return len(sub.waiters)
	}
	return 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) changedLocked() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(len(r.subs))
	}
}
