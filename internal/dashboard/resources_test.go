package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"cryptostream/logger"
)

func stubCollectors(t *testing.T, cpuErr error) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		if cpuErr != nil {
			return nil, cpuErr
		}
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	return calls
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubCollectors(t, nil)
	sampler := newResourceSampler(3, 10*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 || latest.Goroutines == 0 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 cpu samples, got %d", calls.Load())
	}
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	stubCollectors(t, errors.New("no cpu stats"))
	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sampler.start(ctx)
	<-ctx.Done()
	sampler.stop()

	if n := len(sampler.snapshot()); n != 0 {
		t.Fatalf("failed samples should not be recorded, got %d", n)
	}
}
