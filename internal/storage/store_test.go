package storage

import (
	"math"
	"testing"
	"time"
)

func TestComputeRequestStatsEmpty(t *testing.T) {
	stats := computeRequestStats(nil, nil)
	if stats.Count != 0 || stats.UniqueEndpoints != 0 {
		t.Fatalf("unexpected stats for empty input: %+v", stats)
	}
}

func TestComputeRequestStatsRegularTiming(t *testing.T) {
	base := time.Now()
	var ts []time.Time
	var eps []string
	for i := 0; i < 10; i++ {
		ts = append(ts, base.Add(time.Duration(i)*2*time.Second))
		eps = append(eps, "/api/items")
	}
	stats := computeRequestStats(ts, eps)
	if stats.Count != 10 {
		t.Fatalf("expected count 10, got %d", stats.Count)
	}
	if stats.UniqueEndpoints != 1 {
		t.Fatalf("expected 1 unique endpoint, got %d", stats.UniqueEndpoints)
	}
	if math.Abs(stats.IntervalMean-2.0) > 1e-9 {
		t.Fatalf("expected mean 2s, got %v", stats.IntervalMean)
	}
	if stats.IntervalVariance > 1e-9 {
		t.Fatalf("expected zero variance for perfect timing, got %v", stats.IntervalVariance)
	}
}

func TestComputeRequestStatsIrregularTiming(t *testing.T) {
	base := time.Now()
	offsets := []time.Duration{0, 1 * time.Second, 5 * time.Second, 6 * time.Second, 30 * time.Second}
	var ts []time.Time
	var eps []string
	for i, off := range offsets {
		ts = append(ts, base.Add(off))
		eps = append(eps, []string{"/a", "/b", "/c", "/a", "/d"}[i])
	}
	stats := computeRequestStats(ts, eps)
	if stats.UniqueEndpoints != 4 {
		t.Fatalf("expected 4 unique endpoints, got %d", stats.UniqueEndpoints)
	}
	if stats.IntervalVariance <= 1 {
		t.Fatalf("expected high variance for irregular timing, got %v", stats.IntervalVariance)
	}
}

func TestComputeRequestStatsUnsortedInput(t *testing.T) {
	base := time.Now()
	ts := []time.Time{base.Add(4 * time.Second), base, base.Add(2 * time.Second)}
	stats := computeRequestStats(ts, []string{"/a", "/a", "/a"})
	if math.Abs(stats.IntervalMean-2.0) > 1e-9 {
		t.Fatalf("expected mean 2s after sorting, got %v", stats.IntervalMean)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("expected cut at 5, got %q", got)
	}
}
