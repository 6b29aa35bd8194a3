package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func lvl(price, size string) PriceLevel {
	return PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestBookUpdateFlatten(t *testing.T) {
	ts := time.UnixMilli(1720856594882)
	upd := BookUpdate{
		Venue:      "allin",
		Symbol:     "BTC/USDT",
		Snapshot:   true,
		Bids:       []PriceLevel{lvl("100.5", "1"), lvl("100", "2")},
		Asks:       []PriceLevel{lvl("101", "0.5")},
		Sequence:   9,
		Timestamp:  ts,
		ReceivedAt: ts,
	}

	entries := upd.Flatten()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Side != "bid" || entries[0].Level != 1 || entries[0].Price != 100.5 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Level != 2 || entries[1].Size != 2 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[2].Side != "ask" || entries[2].Level != 1 || entries[2].Kind != "snapshot" {
		t.Errorf("unexpected ask entry: %+v", entries[2])
	}
	if entries[2].EventTime != ts.UnixMilli() || entries[2].Sequence != 9 {
		t.Errorf("unexpected metadata: %+v", entries[2])
	}
}

func TestBookUpdateFirst(t *testing.T) {
	tests := []struct {
		name string
		upd  BookUpdate
		want int64
	}{
		{"single", BookUpdate{Sequence: 7}, 7},
		{"range", BookUpdate{FirstSequence: 4, Sequence: 7}, 4},
		{"invalid range", BookUpdate{FirstSequence: 9, Sequence: 7}, 7},
		{"unsequenced", BookUpdate{}, 0},
	}
	for _, tt := range tests {
		if got := tt.upd.First(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBalancesClone(t *testing.T) {
	b := Balances{Assets: map[string]Balance{"USDT": {Currency: "USDT", Total: decimal.NewFromInt(5)}}}
	c := b.Clone()
	c.Assets["BTC"] = Balance{Currency: "BTC"}
	if _, ok := b.Assets["BTC"]; ok {
		t.Fatalf("clone shares map with original")
	}
}
