package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cryptostream/errkind"
	"cryptostream/logger"
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type ConnConfig struct {
	Name           string
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReadLimit      int64
	// RequestsPerSecond throttles subscribe and auth frames; zero disables.
	RequestsPerSecond int
	BurstSize         int
	// Ping builds the venue liveness frame; nil sends websocket pings.
	Ping func(id int64) any
}

// session is one dialed websocket. It is closed exactly once.
type session struct {
	ws          *websocket.Conn
	done        chan struct{}
	once        sync.Once
	intentional atomic.Bool
}

// Conn owns one websocket to a venue. Inbound frames are handed to onFrame
// one at a time in arrival order; onDrop runs once per unexpected close.
type Conn struct {
	cfg     ConnConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu    sync.Mutex
	sess  *session
	state atomic.Int32

	sendMu sync.Mutex
	nextID int64

	lastPong atomic.Int64

	onFrame func([]byte)
	onDrop  func(error)
	log     *logger.Entry
}

func NewConn(cfg ConnConfig, onFrame func([]byte), onDrop func(error)) *Conn {
	c := &Conn{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		onFrame: onFrame,
		onDrop:  onDrop,
		log:     logger.GetLogger().WithComponent("conn").WithVenue(cfg.Name).WithFields(logger.Fields{"url": cfg.URL}),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Connect dials the venue. It is a no-op when already open.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil
	}

	c.state.Store(int32(StateConnecting))
	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	ws, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		if ctx.Err() != nil {
			return contextError(ctx)
		}
		return errkind.Wrap(errkind.ConnectionError, err, "dial %s", c.cfg.URL)
	}
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	s := &session{ws: ws, done: make(chan struct{})}
	c.sess = s
	c.MarkAlive()
	c.state.Store(int32(StateOpen))
	logger.LogPerformanceEntry(c.log, "conn", "connect", time.Since(start), nil)
	c.log.Info("websocket connected")

	go c.readLoop(s)
	if c.cfg.PingInterval > 0 {
		go c.heartbeat(s)
	}
	return nil
}

// MarkAlive records a liveness reply.
func (c *Conn) MarkAlive() {
	c.lastPong.Store(time.Now().UnixNano())
}

// LastPong returns when the last liveness reply arrived.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Conn) readLoop(s *session) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			c.fail(s, errkind.Wrap(errkind.ConnectionLost, err, "read"))
			return
		}
		logger.IncrementFrameRead(c.cfg.Name, len(data))
		c.onFrame(data)
	}
}

func (c *Conn) heartbeat(s *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if c.cfg.PongTimeout > 0 && time.Since(c.LastPong()) > c.cfg.PongTimeout {
				c.log.WithFields(logger.Fields{"last_pong": c.LastPong()}).Warn("heartbeat lost")
				c.fail(s, errkind.New(errkind.ConnectionLost, "no liveness reply within %s", c.cfg.PongTimeout))
				return
			}
			if err := c.ping(s); err != nil {
				c.log.WithError(err).Warn("ping failed")
			}
		}
	}
}

func (c *Conn) ping(s *session) error {
	if c.cfg.Ping == nil {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout()))
	}
	_, err := c.write(c.cfg.Ping)
	return err
}

// fail closes s once. Unless the close was requested, onDrop runs with err.
func (c *Conn) fail(s *session, err error) {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		_ = s.ws.Close()
	})
	if !first {
		return
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state.Store(int32(StateClosed))
	}
	c.mu.Unlock()

	if s.intentional.Load() {
		return
	}
	c.log.WithError(err).Warn("websocket dropped")
	if c.onDrop != nil {
		c.onDrop(err)
	}
}

// Close shuts the connection without triggering onDrop.
func (c *Conn) Close() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	c.state.Store(int32(StateClosing))
	s.intentional.Store(true)

	c.sendMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout()))
	c.sendMu.Unlock()

	c.fail(s, errkind.New(errkind.Closed, "connection closed"))
	c.log.Info("websocket closed")
	return nil
}

// Drop force-closes the current session as if the venue hung up.
func (c *Conn) Drop(reason error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.fail(s, reason)
	}
}

// SendRequest throttles, allocates the next request id and writes the frame
// built for it. Ids are unique per Conn and increase in write order.
func (c *Conn) SendRequest(ctx context.Context, build func(id int64) any) (int64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, contextError(ctx)
		}
	}
	return c.write(build)
}

// Send writes a frame that needs no request id.
func (c *Conn) Send(v any) error {
	_, err := c.write(func(int64) any { return v })
	return err
}

func (c *Conn) write(build func(id int64) any) (int64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return 0, errkind.New(errkind.NotConnected, "%s is not connected", c.cfg.URL)
	}

	c.nextID++
	id := c.nextID
	data, err := json.Marshal(build(id))
	if err != nil {
		return 0, errkind.Wrap(errkind.BadRequest, err, "encode frame")
	}

	_ = s.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		go c.fail(s, errkind.Wrap(errkind.ConnectionLost, err, "write"))
		return 0, errkind.Wrap(errkind.ConnectionLost, err, "write")
	}
	c.log.WithFields(logger.Fields{"id": id, "bytes": len(data)}).Debug("frame sent")
	return id, nil
}

func (c *Conn) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 5 * time.Second
}
