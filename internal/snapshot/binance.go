package snapshot

import (
	"context"
	"net/http"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptostream/models"
)

// newBinance fetches USDⓈ-M futures depth through go-binance. Sequence is the
// lastUpdateId the diff stream continues from.
func newBinance(base string, httpClient *http.Client) fetchFunc {
	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	client.SetApiEndpoint(base)

	return func(ctx context.Context, marketID string, limit int) (models.BookUpdate, error) {
		res, err := client.NewDepthService().
			Symbol(marketID).
			Limit(binanceLimit(limit)).
			Do(ctx)
		if err != nil {
			return models.BookUpdate{}, err
		}

		bids := make([][2]string, len(res.Bids))
		for i, b := range res.Bids {
			bids[i] = [2]string{b.Price, b.Quantity}
		}
		asks := make([][2]string, len(res.Asks))
		for i, a := range res.Asks {
			asks[i] = [2]string{a.Price, a.Quantity}
		}
		bidLevels, err := stringLevels(bids)
		if err != nil {
			return models.BookUpdate{}, err
		}
		askLevels, err := stringLevels(asks)
		if err != nil {
			return models.BookUpdate{}, err
		}
		return models.BookUpdate{
			Bids:     bidLevels,
			Asks:     askLevels,
			Sequence: res.LastUpdateID,
		}, nil
	}
}

// binanceLimit rounds up to a depth the endpoint accepts.
func binanceLimit(limit int) int {
	for _, allowed := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if limit <= allowed {
			return allowed
		}
	}
	return 1000
}

func stringLevels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
