package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	framesRead     int64
	reconnects     int64
	resyncs        int64
	syncFailures   int64
	streamDrops    int64
	archiveUploads int64
	componentWarns sync.Map // map[string]*int64
	componentErrs  sync.Map // map[string]*int64
	channels       sync.Map // map[string]*channelStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) { bump(&componentWarns, component) }

func recordError(component string) { bump(&componentErrs, component) }

// IncrementFrameRead counts one inbound frame of size bytes for venue.
func IncrementFrameRead(venue string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("ws_"+venue, size)
}

func IncrementReconnect() { atomic.AddInt64(&reconnects, 1) }

func IncrementResync() { atomic.AddInt64(&resyncs, 1) }

func IncrementSyncFailure() { atomic.AddInt64(&syncFailures, 1) }

func IncrementStreamDrop() { atomic.AddInt64(&streamDrops, 1) }

// IncrementArchiveUpload counts one uploaded archive object of size bytes.
func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	counters := map[string]int64{
		"frames_read":     atomic.LoadInt64(&framesRead),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"resyncs":         atomic.LoadInt64(&resyncs),
		"sync_failures":   atomic.LoadInt64(&syncFailures),
		"stream_drops":    atomic.LoadInt64(&streamDrops),
		"archive_uploads": atomic.LoadInt64(&archiveUploads),
	}

	fields := Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memMB),
		"warns":       snapshotCounts(&componentWarns),
		"errors":      snapshotCounts(&componentErrs),
		"channels":    channelData,
	}
	for k, v := range counters {
		fields[k] = v
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
	}
	for name, v := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(cloudwatchName(name)),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		})
	}
	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

// cloudwatchName turns frames_read into FramesRead.
func cloudwatchName(snake string) string {
	out := make([]byte, 0, len(snake))
	upper := true
	for i := 0; i < len(snake); i++ {
		c := snake[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}
