package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	Frame("allin", "orderbook")
	Frame("allin", "orderbook")
	Resync("allin", "BTC/USDT")
	Reconnect("allin", false)
	ArchiveUpload(128, nil)
	ArchiveUpload(0, errors.New("boom"))
	ActiveSubscriptions("allin", 3)

	if got := testutil.ToFloat64(frames.WithLabelValues("allin", "orderbook")); got != 2 {
		t.Fatalf("frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(resyncs.WithLabelValues("allin", "BTC/USDT")); got != 1 {
		t.Fatalf("resyncs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reconnects.WithLabelValues("allin", "failure")); got != 1 {
		t.Fatalf("reconnect failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(archiveUploads.WithLabelValues("failure")); got != 1 {
		t.Fatalf("archive failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(activeSubs.WithLabelValues("allin")); got != 3 {
		t.Fatalf("active subscriptions = %v, want 3", got)
	}
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, "/metrics") }()

	Frame("binance", "trades")

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "cryptostream_frames_total") {
		t.Fatalf("metrics body missing frames counter")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

type fakeBuffer struct{ n, c int }

func (f fakeBuffer) Name() string { return "books" }
func (f fakeBuffer) Len() int     { return f.n }
func (f fakeBuffer) Cap() int     { return f.c }

func TestChannelMetrics(t *testing.T) {
	SampleBuffer(fakeBuffer{n: 3, c: 8})
	ChannelDrop("books", "binance")

	if got := testutil.ToFloat64(bufferLength.WithLabelValues("books")); got != 3 {
		t.Fatalf("buffer length = %v, want 3", got)
	}
	if got := testutil.ToFloat64(bufferCapacity.WithLabelValues("books")); got != 8 {
		t.Fatalf("buffer capacity = %v, want 8", got)
	}
	if got := testutil.ToFloat64(channelDrops.WithLabelValues("books", "binance")); got != 1 {
		t.Fatalf("drops = %v, want 1", got)
	}
}

func TestStartChannelSizeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, 5*time.Millisecond, fakeBuffer{n: 5, c: 9})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(bufferLength.WithLabelValues("books")) == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("buffer length was never sampled")
}
