package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptostream/config"
	"cryptostream/errkind"
	"cryptostream/internal/archive"
	"cryptostream/internal/channel"
	"cryptostream/internal/dashboard"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/orderbook"
	"cryptostream/stream"
	"cryptostream/venue/allin"
	"cryptostream/venue/binance"
)

// bookStreamer is the part of a venue exchange the daemon drives.
type bookStreamer interface {
	dashboard.BookSource
	StreamOrderBook(ctx context.Context, symbol string) (stream.TypedStream[orderbook.View], error)
	Close() error
}

func newExchange(name string, vc config.VenueConfig, opts ...stream.Option) (bookStreamer, error) {
	switch name {
	case allin.Name:
		return allin.New(vc, opts...), nil
	case binance.Name:
		return binance.New(vc, opts...), nil
	default:
		return nil, errkind.New(errkind.NotSupported, "venue %s is not supported", name)
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Cryptostream.Name,
		"env":     string(env),
		"version": cfg.Cryptostream.Version,
		"venues":  strings.Join(cfg.EnabledVenues(), ","),
	}).Info("starting cryptostream")

	if config.IsProductionLike(env) && strings.ToLower(cfg.Logging.Format) != "json" {
		log.WithFields(logger.Fields{"format": cfg.Logging.Format}).Warn("non-json log format in a production-like environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	var wg sync.WaitGroup

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	opts := []stream.Option{stream.WithConfig(cfg)}

	var books *channel.Books
	var recorder *archive.Recorder
	if cfg.Archive.Enabled {
		books = channel.NewBooks("archive_books", cfg.Archive.ChannelBuffer)
		recorder, err = archive.NewRecorder(cfg, books.C())
		if err != nil {
			log.WithError(err).Error("failed to create archive recorder")
			os.Exit(1)
		}
		if err := recorder.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive recorder")
			os.Exit(1)
		}
		metrics.StartChannelSizeMetrics(ctx, 10*time.Second, books)
		opts = append(opts, stream.WithBookSink(books))
	} else {
		log.WithComponent("main").Info("archive disabled; applied books are not persisted")
	}

	status := dashboard.NewServer(cfg.Dashboard, log)

	exchanges := make(map[string]bookStreamer)
	for _, name := range cfg.EnabledVenues() {
		vc := cfg.Venues[name]
		ex, err := newExchange(name, vc, opts...)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": name}).Warn("skipping venue")
			continue
		}
		exchanges[name] = ex
		status.AddVenue(name, ex, vc.Symbols)
		for _, symbol := range vc.Symbols {
			wg.Add(1)
			go func(name, symbol string, ex bookStreamer) {
				defer wg.Done()
				watchBook(ctx, name, symbol, ex, cfg.Cache.BookDepth)
			}(name, symbol, ex)
		}
	}
	if len(exchanges) == 0 {
		log.Error("no supported venue is enabled")
		os.Exit(1)
	}

	if status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Run(ctx, cfg.Cryptostream.Name); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	for name, ex := range exchanges {
		log.WithFields(logger.Fields{"venue": name}).Info("closing venue")
		if err := ex.Close(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": name}).Warn("venue close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for watchers to stop")
	}

	if recorder != nil {
		log.Info("stopping archive recorder")
		recorder.Stop()
		books.Close()
	}

	log.Info("shutdown complete")
}

// watchBook keeps symbol's book synced and logs the top of book at most
// every logEvery. Failed syncs are retried until ctx is done.
func watchBook(ctx context.Context, venue, symbol string, ex bookStreamer, depth int) {
	const logEvery = 10 * time.Second
	log := logger.GetLogger().WithComponent("book_watcher").WithVenue(venue).WithFields(logger.Fields{"symbol": symbol})

	for ctx.Err() == nil {
		books, err := ex.StreamOrderBook(ctx, symbol)
		if err != nil {
			log.WithError(err).Warn("order book subscription failed")
			if !sleep(ctx, 5*time.Second) {
				return
			}
			continue
		}

		var last time.Time
		for {
			view, err := books.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("order book stream ended")
				}
				break
			}
			if time.Since(last) < logEvery {
				continue
			}
			last = time.Now()
			view = view.Limit(depth)
			fields := logger.Fields{"nonce": view.Nonce, "bids": len(view.Bids), "asks": len(view.Asks)}
			if bid, ok := view.BestBid(); ok {
				fields["best_bid"] = bid.Price.String()
			}
			if ask, ok := view.BestAsk(); ok {
				fields["best_ask"] = ask.Price.String()
			}
			if view.Crossed() {
				log.WithFields(fields).Warn("order book crossed")
				continue
			}
			log.WithFields(fields).Info("top of book")
		}
		books.Close()
		if !sleep(ctx, time.Second) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
