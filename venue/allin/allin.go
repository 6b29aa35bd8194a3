// Package allin adapts the ALLIN spot websocket API to the stream core.
package allin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/errkind"
	"cryptostream/internal/symbols"
	"cryptostream/models"
	"cryptostream/stream"
)

const (
	Name           = "allin"
	DefaultWSURL   = "wss://ws.allintest.pro/ws"
	DefaultRESTURL = "https://api.allintest.pro"

	// merge is the depth aggregation step requested for order books.
	merge = "step0"
	// BalanceKey is the subscription key of the asset channel.
	BalanceKey = "update.asset"
	// QuotesKey is the subscription key of the all-markets ticker channel.
	QuotesKey = "update.quotes"
)

// Timeframes maps unified candle intervals to venue periods.
var Timeframes = map[string]string{
	"1m":  "1Min",
	"3m":  "3Min",
	"5m":  "5Min",
	"10m": "10Min",
	"15m": "15Min",
	"30m": "30Min",
	"1h":  "1Hour",
	"2h":  "2Hour",
	"4h":  "4Hour",
	"6h":  "6Hour",
	"12h": "12Hour",
	"1d":  "1Day",
	"1w":  "1Week",
}

var exceptions = &errkind.Table{
	Exact: map[string]errkind.Kind{
		"1010037": errkind.OrderNotFound,
		"1010030": errkind.OrderNotFound,
		"1010312": errkind.BadRequest,
		"1010313": errkind.AuthenticationError,
		"1010316": errkind.AuthenticationError,
		"1010006": errkind.AuthenticationError,
		"1010314": errkind.RateLimitExceeded,
		"1010315": errkind.RateLimitExceeded,
		"1010007": errkind.RateLimitExceeded,
		"1010325": errkind.BadSymbol,
		"1010364": errkind.BadRequest,
		"1010002": errkind.BadRequest,
		"1010004": errkind.BadRequest,
		"1010005": errkind.BadRequest,
		"1010008": errkind.BadRequest,
		"1010009": errkind.BadRequest,
		"1010010": errkind.BadRequest,
		"1010013": errkind.BadRequest,
		"1010406": errkind.BadRequest,
		"10500":   errkind.InsufficientFunds,
		"13128":   errkind.InsufficientFunds,
		"1010367": errkind.OperationFailed,
		"1010017": errkind.OrderNotFillable,
		"10029":   errkind.OrderNotFillable,
		"80005":   errkind.BadRequest,
		"20003":   errkind.BadSymbol,
	},
	Broad: []errkind.BroadRule{
		{Contains: "signature", Kind: errkind.AuthenticationError},
		{Contains: "sign is error", Kind: errkind.AuthenticationError},
		{Contains: "too many", Kind: errkind.RateLimitExceeded},
		{Contains: "too frequently", Kind: errkind.RateLimitExceeded},
		{Contains: "symbol", Kind: errkind.BadSymbol},
	},
}

// DepthKey is the subscription key of the order book of marketID.
func DepthKey(marketID string) string {
	return "depth:" + merge + ":" + marketID
}

// KlineKey is the subscription key of the candles of marketID.
func KlineKey(period, marketID string) string {
	return "kline:" + period + ":" + marketID
}

// QuoteKey is the subscription key of the ticker of marketID.
func QuoteKey(marketID string) string {
	return "update.quote:" + marketID
}

// OrdersKey is the subscription key of the private orders of marketID.
func OrdersKey(marketID string) string {
	return "orders:" + marketID
}

type frame struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// DepthRequest subscribes to the order book of marketID.
func DepthRequest(marketID string) stream.Request {
	return stream.Request{Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.depth", Params: map[string]string{"market": marketID, "merge": merge}}
	}}
}

// KlineRequest subscribes to candles of marketID for a venue period.
func KlineRequest(period, marketID string) stream.Request {
	return stream.Request{Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.kline", Params: map[string]string{"period": period, "market": marketID}}
	}}
}

// QuoteRequest subscribes to the ticker of marketID.
func QuoteRequest(marketID string) stream.Request {
	return stream.Request{Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.quote", Params: map[string]string{"market": marketID}}
	}}
}

// QuotesRequest subscribes to the tickers of every market.
func QuotesRequest() stream.Request {
	return stream.Request{Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.quotes", Params: map[string]string{}}
	}}
}

// OrdersRequest subscribes to the account's orders on marketID.
func OrdersRequest(marketID string) stream.Request {
	return stream.Request{Private: true, Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.orders", Params: map[string]string{"market": marketID}}
	}}
}

// AssetRequest subscribes to the account's balances.
func AssetRequest() stream.Request {
	return stream.Request{Private: true, Build: func(id int64) any {
		return frame{ID: id, Method: "subscribe.asset", Params: map[string]string{}}
	}}
}

// Venue implements stream.Venue for ALLIN.
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

// envelope is every inbound frame: {"id", "method", "result", "error"}.
type envelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// topicResult holds the routing fields shared by push payloads.
type topicResult struct {
	Topic  string `json:"topic"`
	Symbol string `json:"symbol"`
	Data   *struct {
		Topic  string `json:"topic"`
		Symbol string `json:"symbol"`
	} `json:"data"`
}

func (v *Venue) Classify(raw []byte) (stream.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stream.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	msg := stream.Message{ID: env.ID, Payload: env.Result}

	var route topicResult
	if len(env.Result) > 0 && env.Result[0] == '{' {
		_ = json.Unmarshal(env.Result, &route)
	}
	msg.Key, msg.Symbol = route.Topic, route.Symbol
	if route.Data != nil {
		msg.Key, msg.Symbol = route.Data.Topic, route.Data.Symbol
	}
	if msg.Symbol != "" {
		msg.Symbol = v.symbol(msg.Symbol)
	}

	switch env.Method {
	case "ping":
		msg.Kind = stream.KindPong
	case "sign":
		msg.Kind = stream.KindAuth
		msg.Key = stream.AuthKey
	case "subscribe.depth":
		msg.Kind = stream.KindOrderBook
		msg.Snapshot = true
	case "update.depth":
		msg.Kind = stream.KindOrderBook
	case "subscribe.kline", "update.kline":
		msg.Kind = stream.KindOHLCV
	case "update.orders":
		msg.Kind = stream.KindOrder
	case "update.asset":
		msg.Kind = stream.KindBalance
		msg.Key = BalanceKey
	case "update.quote":
		msg.Kind = stream.KindTicker
		if route.Data != nil {
			msg.Key = QuoteKey(route.Data.Symbol)
		}
	case "update.quotes":
		msg.Kind = stream.KindTicker
		msg.Key = QuotesKey
	case "subscribe.orders", "subscribe.asset", "subscribe.quote", "subscribe.quotes":
		msg.Kind = stream.KindSubscribed
	}
	msg.Err = parseError(env.Error)
	if msg.Err == nil && strings.HasPrefix(env.Method, "update.") {
		// push frames repeat an id that no longer identifies a request
		msg.ID = 0
	}
	if msg.Key == "" && msg.Kind == stream.KindOrderBook && route.Data != nil {
		msg.Key = DepthKey(route.Data.Symbol)
	}
	return msg, nil
}

func (v *Venue) symbol(marketID string) string {
	if v.resolver != nil {
		return v.resolver.Symbol(marketID)
	}
	return symbols.ToUnified(Name, marketID)
}

// parseError reads the error member, which is null, a string or an object.
func parseError(raw json.RawMessage) *stream.VenueError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return &stream.VenueError{Message: text}
	}
	var obj struct {
		Code    json.RawMessage `json:"code"`
		Msg     string          `json:"msg"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &stream.VenueError{Message: string(raw)}
	}
	verr := &stream.VenueError{Code: strings.Trim(string(obj.Code), `"`), Message: obj.Msg}
	if verr.Message == "" {
		verr.Message = obj.Message
	}
	return verr
}

type level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func toLevels(in []level) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, models.PriceLevel{Price: l.Price, Size: l.Quantity})
	}
	return out
}

type depthResult struct {
	Data struct {
		Asks      []level `json:"asks"`
		Bids      []level `json:"bids"`
		Symbol    string  `json:"symbol"`
		Timestamp int64   `json:"timestamp"`
		Topic     string  `json:"topic"`
	} `json:"data"`
}

// ParseBook reads a depth payload. ALLIN depth frames carry no sequence
// number, so updates apply in arrival order.
func (v *Venue) ParseBook(msg stream.Message) (models.BookUpdate, error) {
	var res depthResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return models.BookUpdate{}, fmt.Errorf("decode depth: %w", err)
	}
	return models.BookUpdate{
		Venue:     Name,
		Symbol:    v.symbol(res.Data.Symbol),
		Snapshot:  msg.Snapshot,
		Bids:      toLevels(res.Data.Bids),
		Asks:      toLevels(res.Data.Asks),
		Timestamp: time.UnixMilli(res.Data.Timestamp),
	}, nil
}

type klineResult struct {
	Data *struct {
		Symbol string `json:"symbol"`
		Ticks  []struct {
			Close     decimal.Decimal `json:"close"`
			High      decimal.Decimal `json:"high"`
			Low       decimal.Decimal `json:"low"`
			Open      decimal.Decimal `json:"open"`
			Timestamp int64           `json:"timestamp"`
			Volume    decimal.Decimal `json:"volume"`
		} `json:"ticks"`
	} `json:"data"`
}

// ParseOHLCV reads candle ticks; tick timestamps are in seconds.
func (v *Venue) ParseOHLCV(msg stream.Message) ([]models.OHLCV, error) {
	var res klineResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	if res.Data == nil {
		return nil, nil
	}
	bars := make([]models.OHLCV, 0, len(res.Data.Ticks))
	for _, t := range res.Data.Ticks {
		bars = append(bars, models.OHLCV{
			Timestamp: time.Unix(t.Timestamp, 0).UTC(),
			Open:      t.Open,
			High:      t.High,
			Low:       t.Low,
			Close:     t.Close,
			Volume:    t.Volume,
		})
	}
	return bars, nil
}

type orderResult struct {
	Left       decimal.Decimal `json:"left"`
	MatchAmt   decimal.Decimal `json:"match_amt"`
	MatchPrice string          `json:"match_price"`
	MatchQty   decimal.Decimal `json:"match_qty"`
	OrderID    json.Number     `json:"order_id"`
	OrderType  int             `json:"order_type"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       int             `json:"side"`
	Status     int             `json:"status"`
	Symbol     string          `json:"symbol"`
	Timestamp  int64           `json:"timestamp"`
	TradeNo    string          `json:"trade_no"`
}

func (v *Venue) ParseOrders(msg stream.Message) ([]models.Order, error) {
	var res orderResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	orderType, err := parseOrderType(res.OrderType)
	if err != nil {
		return nil, err
	}
	average, _ := decimal.NewFromString(res.MatchPrice)
	return []models.Order{{
		ID:            res.OrderID.String(),
		ClientOrderID: res.TradeNo,
		Symbol:        v.symbol(res.Symbol),
		Type:          orderType,
		Side:          parseOrderSide(res.Side),
		Status:        parseOrderStatus(res.Status),
		Price:         res.Price,
		Average:       average,
		Amount:        res.Quantity,
		Filled:        res.MatchQty,
		Remaining:     res.Left,
		Cost:          res.MatchAmt,
		Timestamp:     time.Unix(res.Timestamp, 0).UTC(),
	}}, nil
}

func parseOrderSide(side int) models.Side {
	if side == 2 {
		return models.SideBuy
	}
	return models.SideSell
}

func parseOrderType(t int) (models.OrderType, error) {
	switch t {
	case 1:
		return models.OrderLimit, nil
	case 2, 3:
		return models.OrderMarket, nil
	default:
		return "", errkind.New(errkind.ExchangeError, "unknown order type %d", t)
	}
}

func parseOrderStatus(status int) models.OrderStatus {
	switch status {
	case 1, 2, 3:
		return models.OrderOpen
	case 4, 5:
		return models.OrderClosed
	case 6:
		return models.OrderCanceled
	default:
		return models.OrderStatus(strconv.Itoa(status))
	}
}

type assetResult struct {
	Available decimal.Decimal `json:"available"`
	Freeze    decimal.Decimal `json:"freeze"`
	Symbol    string          `json:"symbol"`
	Total     decimal.Decimal `json:"total"`
}

func (v *Venue) ParseBalance(msg stream.Message) (models.Balances, error) {
	var res assetResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return models.Balances{}, fmt.Errorf("decode asset: %w", err)
	}
	if res.Symbol == "" {
		return models.Balances{}, errkind.New(errkind.ExchangeError, "asset update without currency")
	}
	return models.Balances{
		Assets: map[string]models.Balance{
			res.Symbol: {Currency: res.Symbol, Free: res.Available, Used: res.Freeze, Total: res.Total},
		},
		Timestamp: msg.ReceivedAt,
	}, nil
}

func (v *Venue) ParseTrades(stream.Message) ([]models.Trade, error) {
	return nil, errkind.New(errkind.NotSupported, "%s does not stream trades", Name)
}

type quoteResult struct {
	Data *struct {
		Symbol    string          `json:"symbol"`
		Timestamp int64           `json:"timestamp"`
		Price     decimal.Decimal `json:"price"`
		Open      decimal.Decimal `json:"open"`
		High      decimal.Decimal `json:"high"`
		Low       decimal.Decimal `json:"low"`
		Change    decimal.Decimal `json:"change"`
		Volume    decimal.Decimal `json:"volume"`
		Amount    decimal.Decimal `json:"amount"`
	} `json:"data"`
}

// ParseTicker reads a quote payload. Quote timestamps are in seconds; volume
// is in the base currency and amount in the quote currency.
func (v *Venue) ParseTicker(msg stream.Message) (models.Ticker, error) {
	var res quoteResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return models.Ticker{}, fmt.Errorf("decode quote: %w", err)
	}
	if res.Data == nil || res.Data.Symbol == "" {
		return models.Ticker{}, errkind.New(errkind.ExchangeError, "quote update without market")
	}
	d := res.Data
	ts := msg.ReceivedAt
	if d.Timestamp > 0 {
		ts = time.Unix(d.Timestamp, 0).UTC()
	}
	return models.Ticker{
		Symbol:      v.symbol(d.Symbol),
		Last:        d.Price,
		Open:        d.Open,
		High:        d.High,
		Low:         d.Low,
		Change:      d.Change,
		BaseVolume:  d.Volume,
		QuoteVolume: d.Amount,
		Timestamp:   ts,
	}, nil
}

func (v *Venue) ParsePositions(stream.Message) ([]models.Position, error) {
	return nil, errkind.New(errkind.NotSupported, "%s does not stream positions", Name)
}

func (v *Venue) Ping(id int64) any {
	return frame{ID: id, Method: "ping", Params: map[string]string{}}
}

// SignPayload is the canonical string signed at login; ts equals the nonce.
func (v *Venue) SignPayload(apiKey string, nonce int64) string {
	return fmt.Sprintf("client_id=%s&nonce=%d&ts=%d", apiKey, nonce, nonce)
}

func (v *Venue) Login(id int64, apiKey, signature string, nonce int64) any {
	n := strconv.FormatInt(nonce, 10)
	return frame{ID: id, Method: "sign", Params: map[string]string{
		"client_id": apiKey,
		"ts":        n,
		"nonce":     n,
		"sign":      signature,
	}}
}

// Unsubscribe returns nil: the API has no unsubscribe method, so a key is
// only dropped locally.
func (v *Venue) Unsubscribe(string) *stream.Request {
	return nil
}
