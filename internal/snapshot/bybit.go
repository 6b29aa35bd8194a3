package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"cryptostream/errkind"
	"cryptostream/models"
)

// bybitBook is the v5 orderbook result: u is the update id the websocket
// deltas continue from.
type bybitBook struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	Ts       int64       `json:"ts"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

// bybitErrors maps retCodes of the market endpoints.
var bybitErrors = &errkind.Table{
	Exact: map[string]errkind.Kind{
		"10001":  errkind.BadRequest,
		"10006":  errkind.RateLimitExceeded,
		"10018":  errkind.RateLimitExceeded,
		"110023": errkind.BadSymbol,
	},
	Broad: []errkind.BroadRule{
		{Contains: "symbol", Kind: errkind.BadSymbol},
		{Contains: "too many visits", Kind: errkind.RateLimitExceeded},
	},
}

func newBybit(base string, httpClient *http.Client) fetchFunc {
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	return func(ctx context.Context, marketID string, limit int) (models.BookUpdate, error) {
		if limit > 500 {
			limit = 500
		}
		params := map[string]interface{}{
			"category": "linear",
			"symbol":   marketID,
			"limit":    limit,
		}
		resp, err := client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
		if err != nil {
			return models.BookUpdate{}, err
		}
		if resp.RetCode != 0 {
			return models.BookUpdate{}, bybitErrors.Map("bybit", strconv.Itoa(resp.RetCode), resp.RetMsg)
		}

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("marshal orderbook: %w", err)
		}
		return decodeBybitBook(payload)
	}
}

func decodeBybitBook(payload []byte) (models.BookUpdate, error) {
	var book bybitBook
	if err := json.Unmarshal(payload, &book); err != nil {
		return models.BookUpdate{}, fmt.Errorf("decode orderbook: %w", err)
	}
	bids, err := stringLevels(book.Bids)
	if err != nil {
		return models.BookUpdate{}, err
	}
	asks, err := stringLevels(book.Asks)
	if err != nil {
		return models.BookUpdate{}, err
	}
	u := models.BookUpdate{Bids: bids, Asks: asks, Sequence: book.UpdateID}
	if book.Ts > 0 {
		u.Timestamp = time.UnixMilli(book.Ts)
	}
	return u, nil
}
