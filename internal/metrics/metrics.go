// Registers:
//
//	#cryptostream_frames_total
//	#cryptostream_reconnects_total
//	#cryptostream_resync_fetches_total
//	#cryptostream_sync_failures_total
//	#cryptostream_stream_dropped_total
//	#cryptostream_active_subscriptions
//	#cryptostream_snapshot_success_total / _errors_total
//	#cryptostream_archive_uploads_total
//	#go_* and process_* system metrics
//
// Exposes them over HTTP using the Prometheus handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptostream/logger"
)

// Registry holds every collector below.
var Registry = prometheus.NewRegistry()

var (
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_frames_total",
			Help: "Inbound frames by venue and message kind",
		},
		[]string{"venue", "kind"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_reconnects_total",
			Help: "Reconnect attempts by venue and outcome",
		},
		[]string{"venue", "outcome"},
	)
	resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_resync_fetches_total",
			Help: "Order book snapshot fetches started by the reconciler",
		},
		[]string{"venue", "symbol"},
	)
	syncFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_sync_failures_total",
			Help: "Order books that could not be synchronised",
		},
		[]string{"venue", "symbol"},
	)
	streamDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_stream_dropped_total",
			Help: "Values dropped from slow stream consumers",
		},
		[]string{"venue"},
	)
	activeSubs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptostream_active_subscriptions",
			Help: "Subscriptions currently registered per venue",
		},
		[]string{"venue"},
	)
	snapshotSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_snapshot_success_total",
			Help: "Successful REST order book snapshots",
		},
		[]string{"source", "symbol"},
	)
	snapshotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_snapshot_errors_total",
			Help: "Failed REST order book snapshots",
		},
		[]string{"source", "symbol"},
	)
	archiveUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_archive_uploads_total",
			Help: "Archive objects uploaded by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		frames, reconnects, resyncs, syncFailures, streamDrops, activeSubs,
		snapshotSuccess, snapshotErrors, archiveUploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Serve exposes Registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr, "path": path}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func Frame(venue, kind string) {
	frames.WithLabelValues(venue, kind).Inc()
}

// Reconnect records one reconnect attempt; ok reports whether it succeeded.
func Reconnect(venue string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
		logger.IncrementReconnect()
	}
	reconnects.WithLabelValues(venue, outcome).Inc()
}

func Resync(venue, symbol string) {
	resyncs.WithLabelValues(venue, symbol).Inc()
	logger.IncrementResync()
}

func SyncFailure(venue, symbol string) {
	syncFailures.WithLabelValues(venue, symbol).Inc()
	logger.IncrementSyncFailure()
}

func StreamDrop(venue string) {
	streamDrops.WithLabelValues(venue).Inc()
	logger.IncrementStreamDrop()
}

func ActiveSubscriptions(venue string, n int) {
	activeSubs.WithLabelValues(venue).Set(float64(n))
}

// IncrementSuccess increases the snapshot success counter for a given symbol.
func IncrementSuccess(source, symbol string) {
	snapshotSuccess.WithLabelValues(source, symbol).Inc()
}

// IncrementError increases the snapshot error counter for a given symbol.
func IncrementError(source, symbol string) {
	snapshotErrors.WithLabelValues(source, symbol).Inc()
}

// ArchiveUpload records one archive upload of size bytes.
func ArchiveUpload(size int64, err error) {
	if err != nil {
		archiveUploads.WithLabelValues("failure").Inc()
		return
	}
	archiveUploads.WithLabelValues("success").Inc()
	logger.IncrementArchiveUpload(size)
}
