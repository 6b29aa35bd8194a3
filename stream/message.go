package stream

import (
	"encoding/json"
	"time"
)

// MessageKind is the classification of one inbound frame.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindPong
	KindAuth
	KindSubscribed
	KindOrderBook
	KindTrades
	KindTicker
	KindOrder
	KindBalance
	KindPosition
	KindOHLCV
)

func (k MessageKind) String() string {
	switch k {
	case KindPong:
		return "pong"
	case KindAuth:
		return "auth"
	case KindSubscribed:
		return "subscribed"
	case KindOrderBook:
		return "orderbook"
	case KindTrades:
		return "trades"
	case KindTicker:
		return "ticker"
	case KindOrder:
		return "order"
	case KindBalance:
		return "balance"
	case KindPosition:
		return "position"
	case KindOHLCV:
		return "ohlcv"
	default:
		return "unknown"
	}
}

// VenueError is an application level error carried by a frame.
type VenueError struct {
	Code    string
	Message string
}

// Message is the venue independent envelope produced by Venue.Classify.
//
// ID is set when the frame answers a request sent with that id. Key names
// the subscription a push frame belongs to. Payload is the part of the frame
// the venue parser understands.
type Message struct {
	Kind       MessageKind
	ID         int64
	Key        string
	Symbol     string
	Snapshot   bool
	Payload    json.RawMessage
	Err        *VenueError
	ReceivedAt time.Time
}
