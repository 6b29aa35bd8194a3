package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/orderbook"
)

func testOptions(pingInterval, pongTimeout time.Duration) Option {
	cfg := config.Default()
	cfg.Stream.ConnectTimeout = time.Second
	cfg.Stream.SubscribeTimeout = time.Second
	cfg.Stream.PingInterval = pingInterval
	cfg.Stream.PongTimeout = pongTimeout
	cfg.Stream.RateLimit.RequestsPerSecond = 0
	cfg.Stream.Reconnect.MinDelay = 10 * time.Millisecond
	cfg.Stream.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Stream.Reconnect.MaxAttempts = 5
	return WithConfig(&cfg)
}

func newTestClient(t *testing.T, srv *venueServer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{testOptions(time.Hour, 2*time.Hour)}, opts...)
	c := NewClient(&testVenue{url: srv.url()}, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientWatchOrderBook(t *testing.T) {
	srv := newVenueServer(t)
	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := "book:BTC/USDT"

	s, err := c.WatchStream(ctx, key, subRequest(key))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer s.Close()
	books := TypedStream[orderbook.View]{s}

	view, err := books.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if view.Nonce != 5 || view.Crossed() {
		t.Fatalf("unexpected snapshot %+v", view)
	}

	srv.push(testFrame{Type: "book", Key: key, Symbol: "BTC/USDT", Seq: 6, Asks: [][2]string{{"100.5", "3"}}})
	view, err = books.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	ask, _ := view.BestAsk()
	if view.Nonce != 6 || ask.Price.String() != "100.5" {
		t.Fatalf("unexpected delta view %+v", view)
	}

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if v, err := c.WatchOnce(short, key, subRequest(key)); !errors.Is(err, errkind.Timeout) {
		t.Fatalf("watch once should wait for the next update, got %v (%v)", v, err)
	}
	srv.expect("sub")
	select {
	case f := <-srv.received:
		t.Fatalf("active subscription should be reused, server got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRequestIDsIncrease(t *testing.T) {
	srv := newVenueServer(t)
	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, key := range []string{"book:A", "book:B", "book:C"} {
		if _, err := c.WatchOnce(ctx, key, subRequest(key)); err != nil {
			t.Fatalf("watch %s: %v", key, err)
		}
	}
	last := int64(0)
	for i := 0; i < 3; i++ {
		f := srv.expect("sub")
		if f.ID <= last {
			t.Fatalf("request id %d after %d", f.ID, last)
		}
		last = f.ID
	}
}

func TestClientReconnectReplaysSubscriptions(t *testing.T) {
	srv := newVenueServer(t)
	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "book:BTC/USDT"

	s, err := c.WatchStream(ctx, key, subRequest(key))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := s.Next(ctx); err != nil {
		t.Fatalf("first update: %v", err)
	}
	first := srv.expect("sub")

	srv.hangUp()
	for {
		_, err := s.Next(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, errkind.ConnectionLost) {
			t.Fatalf("expected ConnectionLost, got %v", err)
		}
		break
	}

	replayed := srv.expect("sub")
	if replayed.Key != key {
		t.Fatalf("expected replay of %s, got %+v", key, replayed)
	}
	if replayed.ID <= first.ID {
		t.Fatalf("replayed request id %d should follow %d", replayed.ID, first.ID)
	}
	if n := srv.connections(); n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}
	eventually(t, func() bool {
		_, synced := c.OrderBook(key)
		return synced
	}, "book resynced after reconnect")
}

func TestClientConnectHonoursDeadlineDuringReconnect(t *testing.T) {
	srv := newVenueServer(t)
	slow := func(o *Options) {
		o.Stream.Reconnect.MinDelay = time.Second
		o.Stream.Reconnect.MaxDelay = time.Second
		o.Stream.Reconnect.MaxAttempts = 3
	}
	c := newTestClient(t, srv, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := c.WatchOnce(ctx, "book:A", subRequest("book:A")); err != nil {
		t.Fatalf("watch: %v", err)
	}
	c.conn.Drop(errkind.New(errkind.ConnectionLost, "hung up"))
	eventually(t, func() bool { return len(c.connecting) == 1 }, "reconnect loop to start")

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	start := time.Now()
	_, err := c.WatchOnce(short, "book:B", subRequest("book:B"))
	if !errors.Is(err, errkind.Timeout) {
		t.Fatalf("expected Timeout while reconnecting, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("watch ignored its deadline for %s", elapsed)
	}
}

func TestClientCloseRacesDrop(t *testing.T) {
	srv := newVenueServer(t)
	for i := 0; i < 20; i++ {
		c := NewClient(&testVenue{url: srv.url()}, testOptions(time.Hour, 2*time.Hour))
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.conn.Drop(errkind.New(errkind.ConnectionLost, "hung up"))
		}()
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		<-done
		time.Sleep(30 * time.Millisecond)
		if state := c.State(); state == StateOpen {
			t.Fatalf("client reconnected after close (iteration %d)", i)
		}
	}
}

func TestClientHeartbeatTimeoutDrops(t *testing.T) {
	srv := newVenueServer(t)
	srv.silent.Store(true)
	c := newTestClient(t, srv, testOptions(20*time.Millisecond, 60*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := c.WatchStream(ctx, "book:X", Request{Build: func(id int64) any {
		return testFrame{ID: id, Op: "noop", Key: "book:X"}
	}})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := res.Next(ctx); !errors.Is(err, errkind.ConnectionLost) {
		t.Fatalf("expected ConnectionLost on missed pongs, got %v", err)
	}
	srv.expect("ping")
}

func TestClientAuthenticateOnce(t *testing.T) {
	srv := newVenueServer(t)
	c := newTestClient(t, srv, WithCredentials("key", "secret", time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := c.Authenticate(ctx); err != nil {
			t.Fatalf("authenticate %d: %v", i, err)
		}
	}
	srv.expect("login")
	select {
	case f := <-srv.received:
		if f.Op == "login" {
			t.Fatal("second sign frame sent within the session")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientConnectFailure(t *testing.T) {
	c := NewClient(&testVenue{url: "ws://127.0.0.1:1"}, testOptions(time.Hour, 2*time.Hour))
	defer c.Close()

	_, err := c.WatchOnce(context.Background(), "k", subRequest("k"))
	if !errors.Is(err, errkind.ConnectionError) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	srv := newVenueServer(t)
	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := c.WatchStream(ctx, "book:A", subRequest("book:A"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for {
		if _, err := s.Next(ctx); err != nil {
			if !errors.Is(err, errkind.Closed) {
				t.Fatalf("expected Closed, got %v", err)
			}
			break
		}
	}
	if _, err := c.WatchOnce(ctx, "book:A", subRequest("book:A")); !errors.Is(err, errkind.NotConnected) {
		t.Fatalf("expected NotConnected after close, got %v", err)
	}
}
