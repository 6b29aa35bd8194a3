package snapshot

import (
	"context"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/shopspring/decimal"

	"cryptostream/config"
	"cryptostream/models"
)

// newKucoin fetches the futures level 2 book; Sequence continues into the
// level2 websocket feed.
func newKucoin(base string, pool config.ConnectionPoolConfig) fetchFunc {
	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(pool.MaxIdleConns).
		SetMaxIdleConnsPerHost(pool.MaxIdleConns).
		SetMaxConnsPerHost(pool.MaxConnsPerHost).
		SetIdleConnTimeout(pool.IdleConnTimeout).
		SetTimeout(defaultTimeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(base).
		WithTransportOption(transportOpt).
		Build()

	marketAPI := sdkapi.NewClient(option).RestService().GetFuturesService().GetMarketAPI()

	return func(ctx context.Context, marketID string, _ int) (models.BookUpdate, error) {
		req := futuresmarket.NewGetFullOrderBookReqBuilder().SetSymbol(marketID).Build()
		resp, err := marketAPI.GetFullOrderBook(req, ctx)
		if err != nil {
			return models.BookUpdate{}, err
		}
		u := models.BookUpdate{
			Bids:     floatLevels(resp.Bids),
			Asks:     floatLevels(resp.Asks),
			Sequence: resp.Sequence,
		}
		if resp.Ts > 0 {
			// ts is in nanoseconds
			u.Timestamp = time.Unix(0, resp.Ts)
		}
		return u, nil
	}
}

func floatLevels(raw [][]float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, models.PriceLevel{
			Price: decimal.NewFromFloat(l[0]),
			Size:  decimal.NewFromFloat(l[1]),
		})
	}
	return out
}
