package symbols

import "strings"

// quotes are the settlement currencies recognised when splitting
// concatenated market ids, longest first.
var quotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD", "EUR", "TRY", "BTC", "ETH"}

// Normalize converts a venue market id to an uppercase concatenated id
// without separators, using BTC instead of XBT and dropping 1000x
// multipliers.
func Normalize(venue, id string) string {
	id = strings.ToUpper(id)
	switch strings.ToLower(venue) {
	case "binance":
		switch id {
		case "1000BONKUSDT":
			id = "BONKUSDT"
		case "1000PEPEUSDT":
			id = "PEPEUSDT"
		case "1000SHIBUSDT":
			id = "SHIBUSDT"
		}
	case "bybit":
		switch id {
		case "1000BONKUSDT":
			id = "BONKUSDT"
		case "1000PEPEUSDT":
			id = "PEPEUSDT"
		case "SHIB1000USDT":
			id = "SHIBUSDT"
		}
	case "kucoin":
		id = strings.ReplaceAll(id, "-", "")
		id = strings.TrimSuffix(id, "M")
		if strings.HasPrefix(id, "XBT") {
			id = "BTC" + id[3:]
		}
	case "okx":
		id = strings.TrimSuffix(id, "-SWAP")
	}
	id = strings.ReplaceAll(id, "/", "")
	return strings.ReplaceAll(id, "-", "")
}

// Split separates a concatenated id into base and quote.
func Split(id string) (base, quote string, ok bool) {
	if b, q, found := strings.Cut(id, "/"); found {
		return b, q, b != "" && q != ""
	}
	if b, q, found := strings.Cut(id, "-"); found {
		return b, q, b != "" && q != ""
	}
	for _, q := range quotes {
		if strings.HasSuffix(id, q) && len(id) > len(q) {
			return id[:len(id)-len(q)], q, true
		}
	}
	return "", "", false
}

// ToUnified converts a venue market id to the BASE/QUOTE form.
func ToUnified(venue, id string) string {
	if strings.ToLower(venue) == "allin" {
		id = strings.ToUpper(id)
		if base, quote, ok := Split(id); ok {
			return base + "/" + quote
		}
		return id
	}
	norm := Normalize(venue, id)
	base, quote, ok := Split(norm)
	if !ok {
		return norm
	}
	return base + "/" + quote
}

// ToVenue converts a BASE/QUOTE symbol to the venue market id.
func ToVenue(venue, symbol string) string {
	base, quote, ok := Split(strings.ToUpper(symbol))
	if !ok {
		return symbol
	}
	switch strings.ToLower(venue) {
	case "allin", "coinbase":
		return base + "-" + quote
	case "kucoin":
		if base == "BTC" {
			base = "XBT"
		}
		return base + quote + "M"
	case "okx":
		return base + "-" + quote + "-SWAP"
	default:
		return base + quote
	}
}
