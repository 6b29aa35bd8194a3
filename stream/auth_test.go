package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"cryptostream/errkind"
)

func TestSign(t *testing.T) {
	got := Sign("key", "The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestNonceStrictlyIncreases(t *testing.T) {
	var n Nonce
	last := int64(0)
	for i := 0; i < 1000; i++ {
		next := n.Next()
		if next <= last {
			t.Fatalf("nonce went from %d to %d", last, next)
		}
		last = next
	}
}

// ackLogins resolves every login frame the sender records, as the
// dispatcher would on the venue ack.
func ackLogins(t *testing.T, sender *fakeSender, g *AuthGate, r *Registry, want int) {
	t.Helper()
	eventually(t, func() bool { return len(sender.sent("login")) >= want }, "login frame")
	g.accept(time.Now())
	r.Resolve(AuthKey, time.Now())
}

func newTestGate(sender *fakeSender, ttl time.Duration) (*AuthGate, *Registry) {
	r := newTestRegistry(sender, time.Second)
	return NewAuthGate(&testVenue{}, r, "key", "secret", ttl), r
}

func TestAuthenticateReusesSession(t *testing.T) {
	sender := &fakeSender{}
	g, r := newTestGate(sender, time.Hour)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- g.Authenticate(ctx) }()
	ackLogins(t, sender, g, r, 1)
	if err := <-errs; err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := g.Authenticate(ctx); err != nil {
		t.Fatalf("second authenticate: %v", err)
	}

	logins := sender.sent("login")
	if len(logins) != 1 {
		t.Fatalf("expected 1 sign frame, got %d", len(logins))
	}
	l := logins[0]
	if l.Key != "key" || l.Sig != Sign("secret", (&testVenue{}).SignPayload("key", l.Seq)) {
		t.Fatalf("unexpected login frame %+v", l)
	}
}

func TestAuthenticateAfterExpirySignsAgain(t *testing.T) {
	sender := &fakeSender{}
	g, r := newTestGate(sender, 20*time.Millisecond)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- g.Authenticate(ctx) }()
	ackLogins(t, sender, g, r, 1)
	if err := <-errs; err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	go func() { errs <- g.Authenticate(ctx) }()
	ackLogins(t, sender, g, r, 2)
	if err := <-errs; err != nil {
		t.Fatalf("re-authenticate: %v", err)
	}
	logins := sender.sent("login")
	if len(logins) != 2 || logins[1].Seq <= logins[0].Seq {
		t.Fatalf("expected a second login with a newer nonce, got %+v", logins)
	}
}

func TestAuthenticateRejectionEvicts(t *testing.T) {
	sender := &fakeSender{}
	g, r := newTestGate(sender, time.Hour)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- g.Authenticate(ctx) }()
	eventually(t, func() bool { return len(sender.sent("login")) == 1 }, "login frame")
	r.Reject(AuthKey, errkind.New(errkind.AuthenticationError, "bad signature"))

	if err := <-errs; !errors.Is(err, errkind.AuthenticationError) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if _, ok := r.State(AuthKey); ok {
		t.Fatal("rejected auth should be evicted")
	}

	go func() { errs <- g.Authenticate(ctx) }()
	ackLogins(t, sender, g, r, 2)
	if err := <-errs; err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	r := newTestRegistry(&fakeSender{}, time.Second)
	g := NewAuthGate(&testVenue{}, r, "", "", time.Hour)
	if err := g.Authenticate(context.Background()); !errors.Is(err, errkind.AuthenticationError) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}
