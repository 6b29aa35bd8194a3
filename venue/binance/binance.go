// Package binance adapts the Binance USDⓈ-M futures market streams to the
// stream core.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/errkind"
	"cryptostream/internal/symbols"
	"cryptostream/models"
	"cryptostream/stream"
)

const (
	Name         = "binance"
	DefaultWSURL = "wss://fstream.binance.com/ws"

	depthSpeed = "100ms"
)

var exceptions = &errkind.Table{
	Exact: map[string]errkind.Kind{
		"-1003": errkind.RateLimitExceeded,
		"-1022": errkind.AuthenticationError,
		"-1100": errkind.BadRequest,
		"-1102": errkind.BadRequest,
		"-1121": errkind.BadSymbol,
		"-2014": errkind.AuthenticationError,
		"-2015": errkind.AuthenticationError,
		"0":     errkind.BadRequest,
		"1":     errkind.BadRequest,
		"2":     errkind.BadRequest,
		"3":     errkind.BadRequest,
	},
	Broad: []errkind.BroadRule{
		{Contains: "invalid symbol", Kind: errkind.BadSymbol},
		{Contains: "too many", Kind: errkind.RateLimitExceeded},
		{Contains: "invalid request", Kind: errkind.BadRequest},
	},
}

// DepthKey is the stream name of the diff depth of marketID.
func DepthKey(marketID string) string {
	return strings.ToLower(marketID) + "@depth@" + depthSpeed
}

func TradesKey(marketID string) string {
	return strings.ToLower(marketID) + "@aggTrade"
}

func TickerKey(marketID string) string {
	return strings.ToLower(marketID) + "@bookTicker"
}

type frame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe builds a SUBSCRIBE request for one stream name.
func Subscribe(streamName string) stream.Request {
	return stream.Request{Build: func(id int64) any {
		return frame{Method: "SUBSCRIBE", Params: []string{streamName}, ID: id}
	}}
}

// Venue implements stream.Venue for Binance futures.
type Venue struct {
	url      string
	resolver *symbols.Resolver
}

func NewVenue(url string, resolver *symbols.Resolver) *Venue {
	if url == "" {
		url = DefaultWSURL
	}
	return &Venue{url: url, resolver: resolver}
}

func (v *Venue) Name() string { return Name }

func (v *Venue) URL() string { return v.url }

func (v *Venue) Errors() *errkind.Table { return exceptions }

// envelope covers both replies ({"result":null,"id":1}, {"error":{...},"id":1})
// and events ({"e":"depthUpdate","s":"BTCUSDT",...}).
type envelope struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	Code   *int   `json:"code"`
	Msg    string `json:"msg"`
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Time   int64  `json:"E"`
}

func (v *Venue) Classify(raw []byte) (stream.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stream.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	msg := stream.Message{Payload: raw}
	if env.ID != nil {
		msg.ID = *env.ID
	}

	switch {
	case env.Error != nil:
		msg.Err = &stream.VenueError{Code: fmt.Sprint(env.Error.Code), Message: env.Error.Msg}
		return msg, nil
	case env.Code != nil && env.Event == "":
		msg.Err = &stream.VenueError{Code: fmt.Sprint(*env.Code), Message: env.Msg}
		return msg, nil
	case env.ID != nil && env.Event == "":
		msg.Kind = stream.KindSubscribed
		return msg, nil
	}

	msg.Symbol = v.symbol(env.Symbol)
	switch env.Event {
	case "depthUpdate":
		msg.Kind = stream.KindOrderBook
		msg.Key = DepthKey(env.Symbol)
	case "aggTrade":
		msg.Kind = stream.KindTrades
		msg.Key = TradesKey(env.Symbol)
	case "bookTicker":
		msg.Kind = stream.KindTicker
		msg.Key = TickerKey(env.Symbol)
	}
	return msg, nil
}

func (v *Venue) symbol(marketID string) string {
	if marketID == "" {
		return ""
	}
	if v.resolver != nil {
		return v.resolver.Symbol(marketID)
	}
	return symbols.ToUnified(Name, marketID)
}

// depthEvent is the diff depth payload. U..u is the update id range of the
// event; pu is u of the previous event on the same stream. Every single
// letter key is declared so case-insensitive matching cannot cross them.
type depthEvent struct {
	Event            string      `json:"e"`
	Time             int64       `json:"E"`
	TransactionTime  int64       `json:"T"`
	Symbol           string      `json:"s"`
	FirstUpdateID    int64       `json:"U"`
	LastUpdateID     int64       `json:"u"`
	PrevLastUpdateID int64       `json:"pu"`
	Bids             [][2]string `json:"b"`
	Asks             [][2]string `json:"a"`
}

func levels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l[0], err)
		}
		size, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", l[1], err)
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// ParseBook reads a diff depth event. Futures update ids are not dense, so
// the event is taken to cover everything after pu: FirstSequence is pu+1.
func (v *Venue) ParseBook(msg stream.Message) (models.BookUpdate, error) {
	var ev depthEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return models.BookUpdate{}, fmt.Errorf("decode depth: %w", err)
	}
	bids, err := levels(ev.Bids)
	if err != nil {
		return models.BookUpdate{}, err
	}
	asks, err := levels(ev.Asks)
	if err != nil {
		return models.BookUpdate{}, err
	}
	first := ev.FirstUpdateID
	if ev.PrevLastUpdateID > 0 {
		first = ev.PrevLastUpdateID + 1
	}
	return models.BookUpdate{
		Venue:         Name,
		Symbol:        v.symbol(ev.Symbol),
		Bids:          bids,
		Asks:          asks,
		FirstSequence: first,
		Sequence:      ev.LastUpdateID,
		Timestamp:     time.UnixMilli(ev.TransactionTime),
	}, nil
}

type aggTradeEvent struct {
	Symbol       string          `json:"s"`
	AggTradeID   int64           `json:"a"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
}

func (v *Venue) ParseTrades(msg stream.Message) ([]models.Trade, error) {
	var ev aggTradeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode aggTrade: %w", err)
	}
	side := models.SideBuy
	if ev.IsBuyerMaker {
		side = models.SideSell
	}
	return []models.Trade{{
		ID:        fmt.Sprint(ev.AggTradeID),
		Symbol:    v.symbol(ev.Symbol),
		Side:      side,
		Price:     ev.Price,
		Amount:    ev.Quantity,
		Timestamp: time.UnixMilli(ev.TradeTime),
	}}, nil
}

type bookTickerEvent struct {
	Symbol   string          `json:"s"`
	BidPrice decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	AskPrice decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
	Time     int64           `json:"T"`
}

func (v *Venue) ParseTicker(msg stream.Message) (models.Ticker, error) {
	var ev bookTickerEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return models.Ticker{}, fmt.Errorf("decode bookTicker: %w", err)
	}
	return models.Ticker{
		Symbol:    v.symbol(ev.Symbol),
		Bid:       ev.BidPrice,
		BidSize:   ev.BidQty,
		Ask:       ev.AskPrice,
		AskSize:   ev.AskQty,
		Timestamp: time.UnixMilli(ev.Time),
	}, nil
}

func (v *Venue) ParseOrders(stream.Message) ([]models.Order, error) {
	return nil, errkind.New(errkind.NotSupported, "%s private streams are not supported", Name)
}

func (v *Venue) ParseBalance(stream.Message) (models.Balances, error) {
	return models.Balances{}, errkind.New(errkind.NotSupported, "%s private streams are not supported", Name)
}

func (v *Venue) ParsePositions(stream.Message) ([]models.Position, error) {
	return nil, errkind.New(errkind.NotSupported, "%s private streams are not supported", Name)
}

func (v *Venue) ParseOHLCV(stream.Message) ([]models.OHLCV, error) {
	return nil, errkind.New(errkind.NotSupported, "%s candles are not supported", Name)
}

// Ping returns nil; the server pings and the connection answers with
// control frames.
func (v *Venue) Ping(int64) any { return nil }

func (v *Venue) SignPayload(string, int64) string { return "" }

// Login returns nil: market streams need no session.
func (v *Venue) Login(int64, string, string, int64) any { return nil }

func (v *Venue) Unsubscribe(key string) *stream.Request {
	return &stream.Request{Build: func(id int64) any {
		return frame{Method: "UNSUBSCRIBE", Params: []string{key}, ID: id}
	}}
}
