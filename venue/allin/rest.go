package allin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"cryptostream/errkind"
	"cryptostream/internal/metrics"
	"cryptostream/internal/symbols"
	"cryptostream/logger"
	"cryptostream/models"
)

const depthPath = "/open/v1/depth/market"

// depthResponse is {"code":0,"msg":"ok","data":{"bids":[...],"asks":[...]},"time":...}.
// Futures hosts send the code as a string.
type depthResponse struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data struct {
		Bids []level `json:"bids"`
		Asks []level `json:"asks"`
	} `json:"data"`
	Time int64 `json:"time"`
}

func (r depthResponse) code() string {
	return strings.Trim(string(r.Code), `"`)
}

// RESTFetcher loads full depth snapshots over REST. It implements
// orderbook.SnapshotFetcher.
type RESTFetcher struct {
	client   *resty.Client
	resolver *symbols.Resolver
	limiter  *rate.Limiter
	log      *logger.Entry
}

// NewRESTFetcher creates a fetcher against baseURL, throttled to rps
// requests per second.
func NewRESTFetcher(baseURL string, resolver *symbols.Resolver, rps, burst int, timeout time.Duration) *RESTFetcher {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &RESTFetcher{
		client:   client,
		resolver: resolver,
		limiter:  rate.NewLimiter(limit, burst),
		log:      logger.GetLogger().WithComponent("allin_rest").WithVenue(Name),
	}
}

func (f *RESTFetcher) FetchSnapshot(ctx context.Context, symbol string) (models.BookUpdate, error) {
	marketID := symbols.ToVenue(Name, symbol)
	if f.resolver != nil {
		id, err := f.resolver.MarketID(symbol)
		if err != nil {
			return models.BookUpdate{}, err
		}
		marketID = id
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return models.BookUpdate{}, errkind.Wrap(errkind.Timeout, err, "%s depth rate limit wait", Name)
	}

	var res depthResponse
	start := time.Now()
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", marketID).
		SetResult(&res).
		SetError(&res).
		ForceContentType("application/json").
		Get(depthPath)
	if err != nil {
		metrics.IncrementError(Name, symbol)
		return models.BookUpdate{}, errkind.Wrap(errkind.ExchangeError, err, "%s depth request for %s", Name, marketID)
	}
	if code := res.code(); code != "" && code != "0" {
		metrics.IncrementError(Name, symbol)
		return models.BookUpdate{}, exceptions.Map(Name, code, res.Msg)
	}
	if resp.IsError() {
		metrics.IncrementError(Name, symbol)
		return models.BookUpdate{}, errkind.New(errkind.ExchangeError, "%s depth for %s: status %d", Name, marketID, resp.StatusCode())
	}

	metrics.IncrementSuccess(Name, symbol)
	f.log.WithFields(logger.Fields{
		"symbol":   symbol,
		"bids":     len(res.Data.Bids),
		"asks":     len(res.Data.Asks),
		"duration": time.Since(start).String(),
	}).Debug("fetched depth snapshot")

	ts := time.Now()
	if res.Time > 0 {
		ts = time.UnixMilli(res.Time)
	}
	return models.BookUpdate{
		Venue:      Name,
		Symbol:     symbol,
		Snapshot:   true,
		Bids:       toLevels(res.Data.Bids),
		Asks:       toLevels(res.Data.Asks),
		Timestamp:  ts,
		ReceivedAt: time.Now(),
	}, nil
}
