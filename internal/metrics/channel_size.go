package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cryptostream/logger"
)

var (
	bufferLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptostream_channel_buffer_length",
			Help: "Items waiting in a hand-off channel",
		},
		[]string{"buffer"},
	)
	bufferCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptostream_channel_buffer_capacity",
			Help: "Capacity of a hand-off channel",
		},
		[]string{"buffer"},
	)
	channelDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptostream_channel_dropped_total",
			Help: "Updates dropped because a hand-off channel was full",
		},
		[]string{"buffer", "venue"},
	)
)

func init() {
	Registry.MustRegister(bufferLength, bufferCapacity, channelDrops)
}

// Buffer is a bounded channel whose occupancy can be sampled.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartChannelSizeMetrics samples the occupancy of buffers every interval
// until ctx is cancelled. When interval <= 0 a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					SampleBuffer(b)
					log.LogMetric("channel_buffers", b.Name()+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   b.Name(),
						"capacity": b.Cap(),
					})
				}
			}
		}
	}()
}

// SampleBuffer records the current length and capacity of b.
func SampleBuffer(b Buffer) {
	bufferLength.WithLabelValues(b.Name()).Set(float64(b.Len()))
	bufferCapacity.WithLabelValues(b.Name()).Set(float64(b.Cap()))
}

// ChannelDrop counts one update dropped from the named buffer.
func ChannelDrop(buffer, venue string) {
	channelDrops.WithLabelValues(buffer, venue).Inc()
}
