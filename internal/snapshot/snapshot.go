// Package snapshot loads full order books over the venues' REST APIs to seed
// and resynchronise streamed books.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/internal/metrics"
	"cryptostream/internal/symbols"
	"cryptostream/logger"
	"cryptostream/models"
)

const defaultTimeout = 10 * time.Second

// fetchFunc loads the book of a venue market id.
type fetchFunc func(ctx context.Context, marketID string, limit int) (models.BookUpdate, error)

// Fetcher is a rate limited SnapshotFetcher for one venue.
type Fetcher struct {
	source  string
	limit   int
	limiter *rate.Limiter
	fetch   fetchFunc
	log     *logger.Entry
}

// New returns the fetcher named by cfg.Snapshot.Source, defaulting to the
// venue name.
func New(name string, cfg config.VenueConfig) (*Fetcher, error) {
	source := strings.ToLower(cfg.Snapshot.Source)
	if source == "" {
		source = strings.ToLower(name)
	}
	httpClient := newHTTPClient(cfg.ConnectionPool)

	var fetch fetchFunc
	switch source {
	case "binance":
		fetch = newBinance(endpoint(cfg.Snapshot.URL, "https://fapi.binance.com"), httpClient)
	case "bybit":
		fetch = newBybit(endpoint(cfg.Snapshot.URL, "https://api.bybit.com"), httpClient)
	case "kucoin":
		fetch = newKucoin(endpoint(cfg.Snapshot.URL, "https://api-futures.kucoin.com"), cfg.ConnectionPool)
	default:
		return nil, errkind.New(errkind.NotSupported, "no snapshot source %q", source)
	}
	return newFetcher(source, cfg.Snapshot, fetch), nil
}

func newFetcher(source string, cfg config.SnapshotConfig, fetch fetchFunc) *Fetcher {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1000
	}
	return &Fetcher{
		source:  source,
		limit:   limit,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		fetch:   fetch,
		log:     logger.GetLogger().WithComponent("snapshot").WithVenue(source),
	}
}

// FetchSnapshot loads the book of a unified symbol.
func (f *Fetcher) FetchSnapshot(ctx context.Context, symbol string) (models.BookUpdate, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return models.BookUpdate{}, errkind.Wrap(errkind.Timeout, err, "%s snapshot rate limit wait", f.source)
	}

	marketID := symbols.ToVenue(f.source, symbol)
	start := time.Now()
	snap, err := f.fetch(ctx, marketID, f.limit)
	if err != nil {
		metrics.IncrementError(f.source, symbol)
		f.log.WithError(err).WithFields(logger.Fields{"symbol": symbol, "market": marketID}).Warn("failed to fetch snapshot")
		var kerr *errkind.Error
		if errors.As(err, &kerr) {
			return models.BookUpdate{}, err
		}
		return models.BookUpdate{}, errkind.Wrap(errkind.ExchangeError, err, "%s snapshot of %s", f.source, marketID)
	}
	metrics.IncrementSuccess(f.source, symbol)
	logger.LogPerformanceEntry(f.log, "snapshot", "api_request", time.Since(start), logger.Fields{"symbol": symbol})

	snap.Venue = f.source
	snap.Symbol = symbol
	snap.Snapshot = true
	snap.ReceivedAt = time.Now()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = snap.ReceivedAt
	}
	return snap, nil
}

func newHTTPClient(pool config.ConnectionPoolConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DialContext:         (&net.Dialer{Timeout: defaultTimeout}).DialContext,
	}
	return &http.Client{Transport: transport, Timeout: defaultTimeout}
}

// endpoint reduces a configured URL to scheme://host, the form the SDKs
// expect as base.
func endpoint(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fallback
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
