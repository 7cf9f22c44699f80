// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"math"
	"testing"
	"time"
)

func newTestCollector() (*Collector, *time.Time) {
	c := NewCollector("sess-1", "test session")
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	c.startedAt = current
	c.now = func() time.Time { return current }
	return c, &current
}

func TestCollectorTotals(t *testing.T) {
	c, _ := newTestCollector()

	c.Record(true, 100*time.Millisecond, "")
	c.Record(true, 300*time.Millisecond, "")
	c.Record(false, 200*time.Millisecond, "500")
	c.Record(false, 50*time.Millisecond, "timeout")

	st := c.Snapshot(nil, 0)
	if st.TotalRequests != 4 || st.SuccessfulRequests != 2 || st.FailedRequests != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", st.TotalRequests, st.SuccessfulRequests, st.FailedRequests)
	}
	if st.MinDuration != 100*time.Millisecond || st.MaxDuration != 300*time.Millisecond {
		t.Errorf("min/max = %v/%v, want 100ms/300ms", st.MinDuration, st.MaxDuration)
	}
	if got := st.AverageResponseTime(); got != 200*time.Millisecond {
		t.Errorf("AverageResponseTime() = %v, want 200ms", got)
	}
	if st.ErrorCountByCode["500"] != 1 || st.ErrorCountByCode["timeout"] != 1 {
		t.Errorf("ErrorCountByCode = %v, want one 500 and one timeout", st.ErrorCountByCode)
	}
	if got := st.SuccessRate(); got != 0.5 {
		t.Errorf("SuccessRate() = %v, want 0.5", got)
	}
}

func TestFailedRequestsExcludedFromLatency(t *testing.T) {
	c, _ := newTestCollector()

	// Timed-out requests run for the full deadline; counting them
	// would make a slow failure look like a slow response.
	successes := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		250 * time.Millisecond,
		150 * time.Millisecond,
	}
	var sum time.Duration
	for _, d := range successes {
		c.Record(true, d, "")
		sum += d
	}
	for i := 0; i < 3; i++ {
		c.Record(false, 5*time.Second, "timeout")
	}

	st := c.Snapshot(nil, 0)
	if st.TotalRequests != 10 || st.SuccessfulRequests != 7 || st.FailedRequests != 3 {
		t.Fatalf("counts = %d/%d/%d, want 10/7/3", st.TotalRequests, st.SuccessfulRequests, st.FailedRequests)
	}
	if want := sum / 7; st.AverageResponseTime() != want {
		t.Errorf("AverageResponseTime() = %v, want %v", st.AverageResponseTime(), want)
	}
	if st.MaxDuration != 500*time.Millisecond {
		t.Errorf("MaxDuration = %v, want 500ms", st.MaxDuration)
	}
	if st.MinDuration != 100*time.Millisecond {
		t.Errorf("MinDuration = %v, want 100ms", st.MinDuration)
	}
	if st.P99 >= time.Second {
		t.Errorf("P99 = %v, want a value from the successful sample", st.P99)
	}
}

func TestCurrentAndPeakRPS(t *testing.T) {
	c, current := newTestCollector()

	// 50 requests in the trailing 10 seconds: 5 RPS.
	for i := 0; i < 50; i++ {
		c.Record(true, time.Millisecond, "")
	}
	c.deriveOnce()
	st := c.Snapshot(nil, 0)
	if st.CurrentRPS != 5 {
		t.Fatalf("CurrentRPS = %v, want 5", st.CurrentRPS)
	}
	if st.PeakRPS != 5 {
		t.Fatalf("PeakRPS = %v, want 5", st.PeakRPS)
	}

	// The rate drops once the requests fall out of the window, but the
	// peak is retained.
	*current = current.Add(15 * time.Second)
	c.deriveOnce()
	st = c.Snapshot(nil, 0)
	if st.CurrentRPS != 0 {
		t.Errorf("CurrentRPS after quiet period = %v, want 0", st.CurrentRPS)
	}
	if st.PeakRPS != 5 {
		t.Errorf("PeakRPS after quiet period = %v, want 5", st.PeakRPS)
	}
}

func TestErrorRateLastMinute(t *testing.T) {
	c, current := newTestCollector()

	for i := 0; i < 8; i++ {
		c.Record(true, time.Millisecond, "")
	}
	for i := 0; i < 2; i++ {
		c.Record(false, time.Millisecond, "500")
	}
	st := c.Snapshot(nil, 0)
	if math.Abs(st.ErrorRateLastMinute-0.2) > 1e-9 {
		t.Fatalf("ErrorRateLastMinute = %v, want 0.2", st.ErrorRateLastMinute)
	}

	// Old requests age out of the window.
	*current = current.Add(2 * time.Minute)
	c.deriveOnce()
	c.Record(true, time.Millisecond, "")
	st = c.Snapshot(nil, 0)
	if st.ErrorRateLastMinute != 0 {
		t.Errorf("ErrorRateLastMinute after aging = %v, want 0", st.ErrorRateLastMinute)
	}
}

func TestPercentiles(t *testing.T) {
	c, _ := newTestCollector()

	// 1ms..100ms in order: p50 is the sample at floor rank 50 of the
	// sorted slice, p99 at rank 99.
	for i := 1; i <= 100; i++ {
		c.Record(true, time.Duration(i)*time.Millisecond, "")
	}

	st := c.Snapshot(nil, 0)
	if st.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", st.P50)
	}
	if st.P95 != 96*time.Millisecond {
		t.Errorf("P95 = %v, want 96ms", st.P95)
	}
	if st.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", st.P99)
	}
}

func TestPercentileIndexClamped(t *testing.T) {
	c, _ := newTestCollector()
	c.Record(true, 10*time.Millisecond, "")

	st := c.Snapshot(nil, 0)
	// With a single sample every percentile is that sample.
	if st.P50 != 10*time.Millisecond || st.P99 != 10*time.Millisecond {
		t.Errorf("P50/P99 = %v/%v, want 10ms/10ms", st.P50, st.P99)
	}
}

func TestPercentileSampleBounded(t *testing.T) {
	c, _ := newTestCollector()

	// Fill the sample with slow requests, then overwrite it entirely
	// with fast ones: the estimate should track recent behavior.
	for i := 0; i < percentileSampleSize; i++ {
		c.Record(true, time.Second, "")
	}
	for i := 0; i < percentileSampleSize; i++ {
		c.Record(true, 10*time.Millisecond, "")
	}

	st := c.Snapshot(nil, 0)
	if st.P99 != 10*time.Millisecond {
		t.Errorf("P99 = %v, want 10ms after sample turnover", st.P99)
	}
}

func TestTimeWindows(t *testing.T) {
	c, current := newTestCollector()

	c.Record(true, 100*time.Millisecond, "")
	c.Record(false, 200*time.Millisecond, "500")
	*current = current.Add(time.Minute)
	c.Record(true, 300*time.Millisecond, "")

	windows := c.Windows()
	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(windows))
	}
	w0 := windows[0]
	if w0.TotalRequests != 2 || w0.FailedRequests != 1 {
		t.Errorf("first window counts = %d/%d failed, want 2/1", w0.TotalRequests, w0.FailedRequests)
	}
	if w0.MinDuration != 100*time.Millisecond || w0.MaxDuration != 100*time.Millisecond {
		t.Errorf("first window min/max = %v/%v, want 100ms/100ms", w0.MinDuration, w0.MaxDuration)
	}
	if windows[1].TotalRequests != 1 {
		t.Errorf("second window total = %d, want 1", windows[1].TotalRequests)
	}
}

func TestWindowRetention(t *testing.T) {
	c, current := newTestCollector()

	c.Record(true, time.Millisecond, "")
	*current = current.Add(windowRetention + 2*time.Minute)
	c.Record(true, time.Millisecond, "")
	c.deriveOnce()

	if got := len(c.Windows()); got != 1 {
		t.Errorf("got %d windows after retention pruning, want 1", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	c1 := r.Create("s1", "first")
	if got, ok := r.Get("s1"); !ok || got != c1 {
		t.Fatalf("Get(s1) = %v, %v; want the created collector", got, ok)
	}
	if _, ok := r.Get("s2"); ok {
		t.Fatalf("Get(s2) = ok for unknown session")
	}

	r.Remove("s1")
	if _, ok := r.Get("s1"); ok {
		t.Errorf("Get(s1) = ok after Remove")
	}
}
