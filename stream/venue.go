package stream

import (
	"cryptostream/errkind"
	"cryptostream/models"
)

// Request builds the outbound frame for a subscription. Build receives the
// request id allocated by the connection and returns a JSON-encodable value.
type Request struct {
	Build func(id int64) any
	// Private requests need an authenticated session.
	Private bool
}

// Parser turns a classified payload into normalized records. Parsers are pure
// and never touch connection or cache state.
type Parser interface {
	ParseBook(msg Message) (models.BookUpdate, error)
	ParseTrades(msg Message) ([]models.Trade, error)
	ParseTicker(msg Message) (models.Ticker, error)
	ParseOrders(msg Message) ([]models.Order, error)
	ParseBalance(msg Message) (models.Balances, error)
	ParsePositions(msg Message) ([]models.Position, error)
	ParseOHLCV(msg Message) ([]models.OHLCV, error)
}

// Venue is everything the streaming core needs from an exchange adapter.
type Venue interface {
	Parser

	Name() string
	URL() string
	// Classify decodes one inbound frame into a Message.
	Classify(frame []byte) (Message, error)
	// Ping returns the application liveness frame, or nil when the venue
	// relies on websocket control pings.
	Ping(id int64) any
	// Login returns the sign frame for the given credentials and nonce.
	Login(id int64, apiKey, signature string, nonce int64) any
	// SignPayload returns the canonical string that gets signed for login.
	SignPayload(apiKey string, nonce int64) string
	// Unsubscribe returns the request that cancels key, or nil.
	Unsubscribe(key string) *Request
	Errors() *errkind.Table
}
