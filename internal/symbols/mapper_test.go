package symbols

import (
	"errors"
	"reflect"
	"testing"

	"cryptostream/errkind"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		venue string
		in    string
		want  string
	}{
		{"kucoin", "XBT-USDTM", "BTCUSDT"},
		{"kucoin", "ETHUSDTM", "ETHUSDT"},
		{"coinbase", "BTC-USD", "BTCUSD"},
		{"kraken", "BTC/USD", "BTCUSD"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"binance", "ethusdt", "ETHUSDT"},
		{"binance", "1000BONKUSDT", "BONKUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"binance", "1000SHIBUSDT", "SHIBUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"bybit", "1000BONKUSDT", "BONKUSDT"},
		{"allin", "BTC-USDT", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.venue, tt.in); got != tt.want {
			t.Errorf("Normalize(%s,%s)=%s want %s", tt.venue, tt.in, got, tt.want)
		}
	}
}

func TestUnifiedRoundTrip(t *testing.T) {
	tests := []struct {
		venue   string
		id      string
		unified string
	}{
		{"allin", "BTC-USDT", "BTC/USDT"},
		{"binance", "BTCUSDT", "BTC/USDT"},
		{"binance", "ETHFDUSD", "ETH/FDUSD"},
		{"bybit", "SOLUSDC", "SOL/USDC"},
		{"kucoin", "XBTUSDTM", "BTC/USDT"},
		{"okx", "ETH-USDT-SWAP", "ETH/USDT"},
	}
	for _, tt := range tests {
		if got := ToUnified(tt.venue, tt.id); got != tt.unified {
			t.Errorf("ToUnified(%s,%s)=%s want %s", tt.venue, tt.id, got, tt.unified)
		}
		if got := ToVenue(tt.venue, tt.unified); got != tt.id {
			t.Errorf("ToVenue(%s,%s)=%s want %s", tt.venue, tt.unified, got, tt.id)
		}
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver("allin", []string{"BTC/USDT", "eth-usdt"})

	if got := r.Symbols(); !reflect.DeepEqual(got, []string{"BTC/USDT", "ETH/USDT"}) {
		t.Fatalf("unexpected symbols %v", got)
	}
	for _, in := range []string{"BTC/USDT", "btc/usdt", "BTC-USDT"} {
		id, err := r.MarketID(in)
		if err != nil || id != "BTC-USDT" {
			t.Fatalf("MarketID(%s)=%s (%v)", in, id, err)
		}
	}
	if _, err := r.MarketID("DOGE/USDT"); !errors.Is(err, errkind.BadSymbol) {
		t.Fatalf("expected BadSymbol, got %v", err)
	}
	if got := r.Symbol("ETH-USDT"); got != "ETH/USDT" {
		t.Fatalf("Symbol=%s", got)
	}
	if got := r.Symbol("SOL-USDT"); got != "SOL/USDT" {
		t.Fatalf("unconfigured id should still convert, got %s", got)
	}
}
