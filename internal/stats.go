// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loadtools/stampede/api"
)

const (
	// percentileSampleSize bounds the response time sample used for
	// percentile estimates. Percentiles over it are approximate: they
	// describe the most recent requests, not the whole session.
	percentileSampleSize = 1000
	// rpsWindow is the trailing window CurrentRPS is computed over
	rpsWindow = 10 * time.Second
	// windowRetention bounds how long minute buckets are kept
	windowRetention = 60 * time.Minute
	deriveInterval  = time.Second
)

type requestEvent struct {
	at      time.Time
	success bool
}

// Collector aggregates request outcomes for one session: running
// totals, trailing-window rates, approximate percentiles and
// per-minute time series buckets. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	sessionID   string
	sessionName string
	startedAt   time.Time
	now         func() time.Time

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64

	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration

	// durations is a bounded ring of recent response times for
	// percentile estimates
	durations []time.Duration
	// events holds recent request outcomes for trailing-window rates,
	// pruned past the longest window
	events []requestEvent

	errorsByCode map[string]int64

	currentRPS float64
	peakRPS    float64

	windows map[time.Time]*api.TimeWindowStats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector returns a Collector for the given session.
func NewCollector(sessionID, sessionName string) *Collector {
	now := time.Now()
	return &Collector{
		sessionID:    sessionID,
		sessionName:  sessionName,
		startedAt:    now,
		now:          time.Now,
		errorsByCode: make(map[string]int64),
		windows:      make(map[time.Time]*api.TimeWindowStats),
	}
}

// Record folds one finished request into the aggregates. errCode is
// empty for successes; for failures it is the HTTP status code as a
// string, or a failure class like "timeout" for transport errors.
func (c *Collector) Record(success bool, duration time.Duration, errCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	c.totalRequests++
	if success {
		c.successfulRequests++
	} else {
		c.failedRequests++
		if errCode != "" {
			c.errorsByCode[errCode]++
		}
	}

	// Latency aggregates and the percentile sample cover successful
	// requests only: a timed-out or refused request's elapsed time
	// measures the failure, not the target's response behavior.
	if success {
		c.totalDuration += duration
		if c.minDuration == 0 || duration < c.minDuration {
			c.minDuration = duration
		}
		if duration > c.maxDuration {
			c.maxDuration = duration
		}

		c.durations = append(c.durations, duration)
		if len(c.durations) > percentileSampleSize {
			c.durations = c.durations[len(c.durations)-percentileSampleSize:]
		}
	}

	c.events = append(c.events, requestEvent{at: now, success: success})

	bucket := now.Truncate(time.Minute)
	w, ok := c.windows[bucket]
	if !ok {
		w = &api.TimeWindowStats{WindowStart: bucket}
		c.windows[bucket] = w
	}
	w.TotalRequests++
	if success {
		w.SuccessfulRequests++
		w.TotalDuration += duration
		if w.MinDuration == 0 || duration < w.MinDuration {
			w.MinDuration = duration
		}
		if duration > w.MaxDuration {
			w.MaxDuration = duration
		}
	} else {
		w.FailedRequests++
	}
}

// Start begins the once-per-second derivation loop. Stop with Stop.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(deriveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.deriveOnce()
			}
		}
	}()
}

// Stop halts the derivation loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// deriveOnce recomputes trailing-window rates, prunes aged data and
// updates the RPS peak.
func (c *Collector) deriveOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Prune events older than a minute (the longest trailing window).
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(c.events) && c.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = c.events[i:]
	}

	rpsCutoff := now.Add(-rpsWindow)
	var recent int
	for j := len(c.events) - 1; j >= 0; j-- {
		if c.events[j].at.Before(rpsCutoff) {
			break
		}
		recent++
	}
	c.currentRPS = float64(recent) / rpsWindow.Seconds()
	if c.currentRPS > c.peakRPS {
		c.peakRPS = c.currentRPS
	}

	windowCutoff := now.Add(-windowRetention)
	for start := range c.windows {
		if start.Before(windowCutoff) {
			delete(c.windows, start)
		}
	}
}

// errorRateLocked computes failed/total over the trailing minute.
// Caller holds the mutex.
func (c *Collector) errorRateLocked(now time.Time) float64 {
	cutoff := now.Add(-time.Minute)
	var total, failed int
	for j := len(c.events) - 1; j >= 0; j-- {
		if c.events[j].at.Before(cutoff) {
			break
		}
		total++
		if !c.events[j].success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// percentileLocked returns the p-th percentile of the retained
// response time sample. Caller holds the mutex.
func (c *Collector) percentileLocked(p float64) time.Duration {
	n := len(c.durations)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, c.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p / 100 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot returns the current statistics, folding in per-endpoint
// aggregates and the active worker count supplied by the caller.
func (c *Collector) Snapshot(endpoints map[string]api.EndpointStats, activeWorkers int) api.RealTimeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	errsByCode := make(map[string]int64, len(c.errorsByCode))
	for k, v := range c.errorsByCode {
		errsByCode[k] = v
	}

	return api.RealTimeStats{
		SessionID:           c.sessionID,
		SessionName:         c.sessionName,
		StartedAt:           c.startedAt,
		SnapshotAt:          now,
		TotalRequests:       c.totalRequests,
		SuccessfulRequests:  c.successfulRequests,
		FailedRequests:      c.failedRequests,
		TotalDuration:       c.totalDuration,
		MinDuration:         c.minDuration,
		MaxDuration:         c.maxDuration,
		CurrentRPS:          c.currentRPS,
		PeakRPS:             c.peakRPS,
		ErrorRateLastMinute: c.errorRateLocked(now),
		ErrorCountByCode:    errsByCode,
		P50:                 c.percentileLocked(50),
		P95:                 c.percentileLocked(95),
		P99:                 c.percentileLocked(99),
		Endpoints:           endpoints,
		ActiveWorkers:       activeWorkers,
	}
}

// RecentDurations returns up to n most recent response times, newest
// last.
func (c *Collector) RecentDurations(n int) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.durations) {
		n = len(c.durations)
	}
	out := make([]time.Duration, n)
	copy(out, c.durations[len(c.durations)-n:])
	return out
}

// Windows returns the retained minute buckets sorted by start time.
func (c *Collector) Windows() []api.TimeWindowStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]api.TimeWindowStats, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out
}

// Export marshals a snapshot and the time series buckets as JSON.
func (c *Collector) Export(endpoints map[string]api.EndpointStats, activeWorkers int) ([]byte, error) {
	payload := struct {
		Stats   api.RealTimeStats     `json:"stats"`
		Windows []api.TimeWindowStats `json:"windows"`
	}{
		Stats:   c.Snapshot(endpoints, activeWorkers),
		Windows: c.Windows(),
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding statistics export: %w", err)
	}
	return b, nil
}

// Registry tracks one Collector per session so finished sessions'
// statistics remain queryable.
type Registry struct {
	mu         sync.Mutex
	collectors map[string]*Collector
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]*Collector)}
}

// Create makes and registers a Collector for the session, replacing
// any previous one with the same ID.
func (r *Registry) Create(sessionID, sessionName string) *Collector {
	c := NewCollector(sessionID, sessionName)
	r.mu.Lock()
	r.collectors[sessionID] = c
	r.mu.Unlock()
	return c
}

// Get returns the session's Collector, or false when unknown.
func (r *Registry) Get(sessionID string) (*Collector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collectors[sessionID]
	return c, ok
}

// Remove drops the session's Collector.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collectors, sessionID)
}
