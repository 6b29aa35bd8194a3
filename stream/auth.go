package stream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"cryptostream/errkind"
	"cryptostream/logger"
)

// AuthKey is the registry key of the shared login subscription.
const AuthKey = "auth"

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Nonce hands out strictly increasing millisecond nonces for one client.
type Nonce struct {
	mu   sync.Mutex
	last int64
}

func (n *Nonce) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= n.last {
		now = n.last + 1
	}
	n.last = now
	return now
}

// AuthGate signs in once per session and shares the result between callers
// until the session expires.
type AuthGate struct {
	mu        sync.Mutex
	venue     Venue
	registry  *Registry
	apiKey    string
	apiSecret string
	ttl       time.Duration
	nonce     Nonce
	expiresAt time.Time
	log       *logger.Entry
}

func NewAuthGate(v Venue, registry *Registry, apiKey, apiSecret string, ttl time.Duration) *AuthGate {
	return &AuthGate{
		venue:     v,
		registry:  registry,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       ttl,
		log:       logger.GetLogger().WithComponent("auth").WithVenue(v.Name()),
	}
}

// Authenticate returns immediately while a signed session is live.
// Otherwise it sends one sign frame, shared by concurrent callers, and
// waits for the venue ack.
func (g *AuthGate) Authenticate(ctx context.Context) error {
	if g.apiKey == "" || g.apiSecret == "" {
		return errkind.New(errkind.AuthenticationError, "%s: api key and secret are required", g.venue.Name())
	}

	g.mu.Lock()
	state, ok := g.registry.State(AuthKey)
	if ok && state == Active {
		if g.ttl <= 0 || time.Now().Before(g.expiresAt) {
			g.mu.Unlock()
			return nil
		}
		g.log.Info("session expired, signing in again")
		g.registry.Evict(AuthKey)
	}
	g.mu.Unlock()

	res := g.registry.WatchOnce(ctx, AuthKey, Request{Build: g.login})
	_, err := res.Wait(ctx)
	if err != nil {
		g.log.WithError(err).Warn("authentication failed")
		return err
	}
	return nil
}

func (g *AuthGate) login(id int64) any {
	nonce := g.nonce.Next()
	signature := Sign(g.apiSecret, g.venue.SignPayload(g.apiKey, nonce))
	return g.venue.Login(id, g.apiKey, signature, nonce)
}

// accept starts the session clock. The dispatcher calls it before resolving
// the auth subscription so readers never see an Active session without an
// expiry.
func (g *AuthGate) accept(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expiresAt = now.Add(g.ttl)
	g.log.WithFields(logger.Fields{"expires_at": g.expiresAt}).Info("authenticated")
}

// reset forgets the session after a disconnect.
func (g *AuthGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expiresAt = time.Time{}
}

// ExpiresAt returns when the current session lapses.
func (g *AuthGate) ExpiresAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expiresAt
}
