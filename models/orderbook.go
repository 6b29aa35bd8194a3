package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel represents a single price level on one side of a book.
// A zero size in an update removes the level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookUpdate is a normalized order book snapshot or delta.
//
// Sequence is the venue nonce after the update is applied. FirstSequence is
// the first nonce covered by a delta when the venue batches a range (zero
// means the update covers Sequence only). Venues without sequencing leave
// both at zero.
type BookUpdate struct {
	Venue         string       `json:"venue"`
	Symbol        string       `json:"symbol"`
	Snapshot      bool         `json:"snapshot"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstSequence int64        `json:"first_sequence,omitempty"`
	Sequence      int64        `json:"sequence"`
	Timestamp     time.Time    `json:"timestamp"`
	ReceivedAt    time.Time    `json:"received_at"`
}

// First returns the first nonce the update covers.
func (u BookUpdate) First() int64 {
	if u.FirstSequence > 0 && u.FirstSequence <= u.Sequence {
		return u.FirstSequence
	}
	return u.Sequence
}

// Sequenced reports whether the venue attached a nonce to the update.
func (u BookUpdate) Sequenced() bool {
	return u.Sequence > 0
}

// FlattenedBookEntry is one price level of a BookUpdate, laid out for
// columnar storage.
type FlattenedBookEntry struct {
	Venue      string  `json:"venue"`
	Symbol     string  `json:"symbol"`
	Kind       string  `json:"kind"` // "snapshot" or "delta"
	Sequence   int64   `json:"sequence"`
	Side       string  `json:"side"` // "bid" or "ask"
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Level      int     `json:"level"`
	EventTime  int64   `json:"event_time"`
	ReceivedAt int64   `json:"received_at"`
}

// Flatten expands the update into one entry per price level.
func (u BookUpdate) Flatten() []FlattenedBookEntry {
	kind := "delta"
	if u.Snapshot {
		kind = "snapshot"
	}
	entries := make([]FlattenedBookEntry, 0, len(u.Bids)+len(u.Asks))
	add := func(side string, levels []PriceLevel) {
		for i, lvl := range levels {
			entries = append(entries, FlattenedBookEntry{
				Venue:      u.Venue,
				Symbol:     u.Symbol,
				Kind:       kind,
				Sequence:   u.Sequence,
				Side:       side,
				Price:      lvl.Price.InexactFloat64(),
				Size:       lvl.Size.InexactFloat64(),
				Level:      i + 1,
				EventTime:  u.Timestamp.UnixMilli(),
				ReceivedAt: u.ReceivedAt.UnixMilli(),
			})
		}
	}
	add("bid", u.Bids)
	add("ask", u.Asks)
	return entries
}
