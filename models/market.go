package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
)

type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// Ticker is the latest top-of-book / last price summary for a symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	BidSize   decimal.Decimal `json:"bid_size"`
	Ask       decimal.Decimal `json:"ask"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Last      decimal.Decimal `json:"last"`
	// 24h statistics, zero when the venue only streams top of book.
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Change      decimal.Decimal `json:"change"`
	BaseVolume  decimal.Decimal `json:"base_volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Trade is a public execution.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is a private order update.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Type          OrderType       `json:"type"`
	Side          Side            `json:"side"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Average       decimal.Decimal `json:"average"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Cost          decimal.Decimal `json:"cost"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Balance is the free/used/total amount of one currency.
type Balance struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
	Total    decimal.Decimal `json:"total"`
}

// Balances is keyed by currency code.
type Balances struct {
	Assets    map[string]Balance `json:"assets"`
	Timestamp time.Time          `json:"timestamp"`
}

// Clone returns a deep copy safe to hand to readers.
func (b Balances) Clone() Balances {
	out := Balances{Assets: make(map[string]Balance, len(b.Assets)), Timestamp: b.Timestamp}
	for k, v := range b.Assets {
		out.Assets[k] = v
	}
	return out
}

// Position is an open derivatives position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Contracts     decimal.Decimal `json:"contracts"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key identifies a position by symbol and side.
func (p Position) Key() string {
	return p.Symbol + "|" + p.Side
}

// OHLCV is one candle. Timestamp is the bucket start.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}
