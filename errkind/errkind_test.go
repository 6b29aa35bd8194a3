package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesParents(t *testing.T) {
	err := fmt.Errorf("subscribe: %w", New(BadSymbol, "unknown market"))

	tests := []struct {
		target Kind
		want   bool
	}{
		{BadSymbol, true},
		{BadRequest, true},
		{ExchangeError, true},
		{AuthenticationError, false},
		{Timeout, false},
	}
	for _, tt := range tests {
		if got := errors.Is(err, tt.target); got != tt.want {
			t.Errorf("errors.Is(%s) = %v, want %v", tt.target, got, tt.want)
		}
	}
	if Of(err) != BadSymbol {
		t.Fatalf("unexpected kind: %s", Of(err))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(ConnectionError, cause, "connect %s", "wss://example")
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable")
	}
	if !errors.Is(err, ConnectionError) {
		t.Fatalf("kind not matched")
	}
	want := "ConnectionError: connect wss://example: dial tcp: refused"
	if err.Error() != want {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestTableLookup(t *testing.T) {
	table := &Table{
		Exact: map[string]Kind{
			"1010313":         AuthenticationError,
			"invalid request": BadRequest,
		},
		Broad: []BroadRule{
			{Contains: "too many", Kind: RateLimitExceeded},
			{Contains: "symbol", Kind: BadSymbol},
		},
	}

	tests := []struct {
		name    string
		code    string
		message string
		want    Kind
	}{
		{"exact code", "1010313", "whatever", AuthenticationError},
		{"exact message", "", "invalid request", BadRequest},
		{"code wins over broad", "1010313", "too many requests", AuthenticationError},
		{"broad case insensitive", "99", "Too Many requests", RateLimitExceeded},
		{"broad order", "", "too many symbol requests", RateLimitExceeded},
		{"fallback", "42", "boom", ExchangeError},
	}
	for _, tt := range tests {
		if got := table.Lookup(tt.code, tt.message); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}

	var nilTable *Table
	if nilTable.Lookup("1", "x") != ExchangeError {
		t.Errorf("nil table should fall back to ExchangeError")
	}
}

func TestTableMap(t *testing.T) {
	table := &Table{Exact: map[string]Kind{"10500": InsufficientFunds}}
	err := table.Map("allin", "10500", "balance too low")
	if err.Kind != InsufficientFunds || err.Code != "10500" {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !errors.Is(err, ExchangeError) {
		t.Errorf("expected ExchangeError parent")
	}
}
