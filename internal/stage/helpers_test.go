package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pharmimport/internal/services"
	"pharmimport/internal/workstate"
)

func TestForEachBoundsConcurrency(t *testing.T) {
	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	seen := make(map[int]bool)

	err := ForEach(context.Background(), items, 4, func(_ context.Context, n int) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if peak.Load() > 4 {
		t.Fatalf("peak concurrency %d exceeds limit", peak.Load())
	}
	if len(seen) != len(items) {
		t.Fatalf("processed %d items, want %d", len(seen), len(items))
	}
}

func TestForEachStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	err := ForEach(context.Background(), make([]int, 100), 1, func(context.Context, int) error {
		if calls.Add(1) == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls.Load() >= 100 {
		t.Fatalf("dispatch should stop after the error, ran %d", calls.Load())
	}
}

func TestForEachReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ForEach(ctx, []int{1, 2, 3}, 2, func(context.Context, int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFatalWrapsMarker(t *testing.T) {
	err := Fatal(workstate.PhaseUploading, "ping", "asset store unreachable", errors.New("dial"))
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	if h := Healthy("hashing"); !h.Ready || h.Name != "hashing" {
		t.Fatalf("unexpected health %+v", h)
	}
	if h := Unhealthy("uploading", "down"); h.Ready || h.Detail != "down" {
		t.Fatalf("unexpected health %+v", h)
	}
}
