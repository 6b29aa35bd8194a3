package stream

import (
	"context"
	"errors"
	"sync"

	"cryptostream/errkind"
)

// waiter is a consumer attached to a subscription. deliver must not block;
// it reports whether the waiter is finished and should be detached.
type waiter interface {
	deliver(v any) (done bool)
	fail(err error)
}

// Result is a single-resolution slot: the first value or error wins.
type Result struct {
	done   chan struct{}
	once   sync.Once
	value  any
	err    error
	detach func()
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) deliver(v any) bool {
	r.once.Do(func() {
		r.value = v
		close(r.done)
	})
	return true
}

func (r *Result) fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the result is resolved or rejected.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the result resolves or ctx ends. Abandoning the wait
// detaches this waiter only.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		if r.detach != nil {
			r.detach()
		}
		// a value may have raced the cancellation
		select {
		case <-r.done:
			return r.value, r.err
		default:
		}
		return nil, contextError(ctx)
	}
}

// Stream is a buffered multi-value consumer. When the consumer falls behind,
// the oldest buffered value is dropped so the dispatcher never blocks.
type Stream struct {
	mu      sync.Mutex
	buf     []any
	limit   int
	err     error
	dropped int
	notify  chan struct{}
	onDrop  func()
	detach  func()
	closed  sync.Once
}

func newStream(limit int) *Stream {
	if limit <= 0 {
		limit = 1
	}
	return &Stream{limit: limit, notify: make(chan struct{}, 1)}
}

func (s *Stream) deliver(v any) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return true
	}
	if len(s.buf) >= s.limit {
		s.buf[0] = nil
		s.buf = s.buf[1:]
		s.dropped++
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.wake()
	return false
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next value. Buffered values are drained before a
// terminal error is reported.
func (s *Stream) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf[0] = nil
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, contextError(ctx)
		}
	}
}

// Dropped returns how many values were discarded for this consumer.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the stream from its subscription.
func (s *Stream) Close() {
	s.closed.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.fail(errkind.New(errkind.Closed, "stream closed"))
	})
}

// TypedStream narrows a Stream to values of type T.
type TypedStream[T any] struct {
	*Stream
}

func (t TypedStream[T]) Next(ctx context.Context) (T, error) {
	v, err := t.Stream.Next(ctx)
	return cast[T](v, err)
}

// Await waits on r and narrows the value to T.
func Await[T any](ctx context.Context, r *Result) (T, error) {
	v, err := r.Wait(ctx)
	return cast[T](v, err)
}

// As narrows the result of Client.WatchOnce to T.
func As[T any](v any, err error) (T, error) {
	return cast[T](v, err)
}

func cast[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errkind.New(errkind.ExchangeError, "unexpected value type %T", v)
	}
	return t, nil
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, err, "wait cancelled")
	}
	return err
}
