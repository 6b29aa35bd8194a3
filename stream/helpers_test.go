package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptostream/errkind"
	"cryptostream/models"
)

// testFrame is the wire format of testVenue in both directions.
type testFrame struct {
	ID       int64       `json:"id,omitempty"`
	Op       string      `json:"op,omitempty"`
	Type     string      `json:"type,omitempty"`
	Key      string      `json:"key,omitempty"`
	Symbol   string      `json:"symbol,omitempty"`
	Snapshot bool        `json:"snapshot,omitempty"`
	Seq      int64       `json:"seq,omitempty"`
	Price    string      `json:"price,omitempty"`
	Bids     [][2]string `json:"bids,omitempty"`
	Asks     [][2]string `json:"asks,omitempty"`
	Sig      string      `json:"sig,omitempty"`
	Error    *testError  `json:"error,omitempty"`
}

type testError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type testVenue struct {
	url string
}

func (v *testVenue) Name() string { return "test" }
func (v *testVenue) URL() string  { return v.url }

func (v *testVenue) Classify(frame []byte) (Message, error) {
	var f testFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Message{}, err
	}
	msg := Message{ID: f.ID, Key: f.Key, Symbol: f.Symbol, Snapshot: f.Snapshot, Payload: frame}
	if f.Error != nil {
		msg.Err = &VenueError{Code: f.Error.Code, Message: f.Error.Msg}
	}
	switch f.Type {
	case "ack":
		msg.Kind = KindSubscribed
	case "pong":
		msg.Kind = KindPong
	case "auth":
		msg.Kind = KindAuth
	case "book":
		msg.Kind = KindOrderBook
	case "trade":
		msg.Kind = KindTrades
	}
	return msg, nil
}

func levels(raw [][2]string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, models.PriceLevel{
			Price: decimal.RequireFromString(l[0]),
			Size:  decimal.RequireFromString(l[1]),
		})
	}
	return out
}

func (v *testVenue) ParseBook(msg Message) (models.BookUpdate, error) {
	var f testFrame
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		return models.BookUpdate{}, err
	}
	return models.BookUpdate{
		Symbol:   f.Symbol,
		Snapshot: f.Snapshot,
		Sequence: f.Seq,
		Bids:     levels(f.Bids),
		Asks:     levels(f.Asks),
	}, nil
}

func (v *testVenue) ParseTrades(msg Message) ([]models.Trade, error) {
	var f testFrame
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, err
	}
	return []models.Trade{{ID: fmt.Sprint(f.Seq), Symbol: f.Symbol, Price: price}}, nil
}

func (v *testVenue) ParseTicker(Message) (models.Ticker, error) {
	return models.Ticker{}, errkind.New(errkind.NotSupported, "ticker")
}

func (v *testVenue) ParseOrders(Message) ([]models.Order, error) {
	return nil, errkind.New(errkind.NotSupported, "orders")
}

func (v *testVenue) ParseBalance(Message) (models.Balances, error) {
	return models.Balances{}, errkind.New(errkind.NotSupported, "balance")
}

func (v *testVenue) ParsePositions(Message) ([]models.Position, error) {
	return nil, errkind.New(errkind.NotSupported, "positions")
}

func (v *testVenue) ParseOHLCV(Message) ([]models.OHLCV, error) {
	return nil, errkind.New(errkind.NotSupported, "ohlcv")
}

func (v *testVenue) Ping(id int64) any {
	return testFrame{ID: id, Op: "ping"}
}

func (v *testVenue) Login(id int64, apiKey, signature string, nonce int64) any {
	return testFrame{ID: id, Op: "login", Key: apiKey, Sig: signature, Seq: nonce}
}

func (v *testVenue) SignPayload(apiKey string, nonce int64) string {
	return fmt.Sprintf("key=%s&nonce=%d", apiKey, nonce)
}

func (v *testVenue) Unsubscribe(key string) *Request {
	return &Request{Build: func(id int64) any { return testFrame{ID: id, Op: "unsub", Key: key} }}
}

func (v *testVenue) Errors() *errkind.Table {
	return &errkind.Table{
		Exact: map[string]errkind.Kind{
			"401": errkind.AuthenticationError,
			"404": errkind.BadSymbol,
		},
		Broad: []errkind.BroadRule{{Contains: "too many", Kind: errkind.RateLimitExceeded}},
	}
}

func subRequest(key string) Request {
	return Request{Build: func(id int64) any { return testFrame{ID: id, Op: "sub", Key: key} }}
}

// fakeSender records frames instead of writing them.
type fakeSender struct {
	mu     sync.Mutex
	next   int64
	frames []testFrame
	err    error
}

func (f *fakeSender) SendRequest(_ context.Context, build func(id int64) any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	frame, _ := build(f.next).(testFrame)
	f.frames = append(f.frames, frame)
	return f.next, nil
}

func (f *fakeSender) sent(op string) []testFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []testFrame
	for _, fr := range f.frames {
		if fr.Op == op {
			out = append(out, fr)
		}
	}
	return out
}

func encode(t *testing.T, f testFrame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// venueServer is an in-process websocket venue speaking testFrame.
type venueServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	silent   atomic.Bool
	received chan testFrame

	mu      sync.Mutex
	current *websocket.Conn
	conns   int
}

func newVenueServer(t *testing.T) *venueServer {
	t.Helper()
	s := &venueServer{t: t, received: make(chan testFrame, 256)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *venueServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *venueServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.current = ws
	s.conns++
	s.mu.Unlock()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f testFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.received <- f
		switch f.Op {
		case "sub":
			s.push(testFrame{ID: f.ID, Type: "ack"})
			s.push(testFrame{
				Type: "book", Key: f.Key, Symbol: "BTC/USDT", Snapshot: true, Seq: 5,
				Bids: [][2]string{{"100", "1"}}, Asks: [][2]string{{"101", "1"}},
			})
		case "ping":
			if !s.silent.Load() {
				s.push(testFrame{ID: f.ID, Type: "pong"})
			}
		case "login":
			s.push(testFrame{ID: f.ID, Type: "auth"})
		}
	}
}

func (s *venueServer) push(f testFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.t.Errorf("marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		_ = s.current.WriteMessage(websocket.TextMessage, data)
	}
}

// hangUp drops the current connection from the server side.
func (s *venueServer) hangUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
}

func (s *venueServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// expect waits for the next received frame with op.
func (s *venueServer) expect(op string) testFrame {
	s.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.received:
			if f.Op == op {
				return f
			}
		case <-timeout:
			s.t.Fatalf("no %q frame received", op)
			return testFrame{}
		}
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
