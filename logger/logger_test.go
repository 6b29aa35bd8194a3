package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test").WithVenue("allin")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	if v := entry.Entry.Data["venue"]; v != "allin" {
		t.Fatalf("venue field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "stream.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("file_test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["message"] != "hello" || line["component"] != "file_test" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	log.WithComponent("count_test").Warn("one")
	log.WithComponent("count_test").Warn("two")

	if got := snapshotCounts(&componentWarns)["count_test"]; got != 2 {
		t.Fatalf("expected 2 warnings, got %d", got)
	}
}

func TestCloudwatchName(t *testing.T) {
	tests := map[string]string{
		"frames_read":     "FramesRead",
		"archive_uploads": "ArchiveUploads",
		"resyncs":         "Resyncs",
	}
	for in, want := range tests {
		if got := cloudwatchName(in); got != want {
			t.Errorf("cloudwatchName(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakePublisher struct {
	datums int64
	calls  int64
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	atomic.AddInt64(&f.calls, 1)
	atomic.AddInt64(&f.datums, int64(len(in.MetricData)))
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishes(t *testing.T) {
	fake := &fakePublisher{}
	cwClient = fake
	defer func() { cwClient = nil }()

	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	log.LogMetric("stream", "reconnects", 3, "", Fields{"venue": "allin"})
	log.LogMetric("stream", "ignored", "not a number", "", nil)

	if fake.calls != 1 || fake.datums != 1 {
		t.Fatalf("expected one datum published, got calls=%d datums=%d", fake.calls, fake.datums)
	}
}
