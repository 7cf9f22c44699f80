// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import "time"

// EndpointStats contains per-endpoint request outcome aggregates.
type EndpointStats struct {
	// Name is the endpoint name (by convention the URL path)
	Name string `json:"name"`
	// TotalRequests is the number of requests sent to this endpoint
	TotalRequests int64 `json:"total_requests"`
	// SuccessfulRequests counts 2xx/3xx responses
	SuccessfulRequests int64 `json:"successful_requests"`
	// FailedRequests counts everything else, including transport errors
	FailedRequests int64 `json:"failed_requests"`
	// TotalDuration is the sum of successful request durations
	TotalDuration time.Duration `json:"total_duration_nanos"`
	// MinDuration is the fastest successful request
	MinDuration time.Duration `json:"min_duration_nanos"`
	// MaxDuration is the slowest successful request
	MaxDuration time.Duration `json:"max_duration_nanos"`
	// LastRequestAt is when the most recent request completed
	LastRequestAt time.Time `json:"last_request_at"`
}

// SuccessRate returns the fraction of requests that succeeded, in
// [0, 1]. Returns 0 when no requests were made.
func (s EndpointStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// AverageResponseTime returns the mean duration of successful
// requests, or 0 when none succeeded.
func (s EndpointStats) AverageResponseTime() time.Duration {
	if s.SuccessfulRequests == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.SuccessfulRequests)
}

// RealTimeStats is the live statistics snapshot for a running (or
// finished) session. All fields describe the session from its start
// up to the snapshot time.
type RealTimeStats struct {
	SessionID   string    `json:"session_id"`
	SessionName string    `json:"session_name"`
	StartedAt   time.Time `json:"started_at"`
	SnapshotAt  time.Time `json:"snapshot_at"`

	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`

	// TotalDuration/Min/Max cover the session's successful requests;
	// a failed request's elapsed time is not a response time
	TotalDuration time.Duration `json:"total_duration_nanos"`
	MinDuration   time.Duration `json:"min_duration_nanos"`
	MaxDuration   time.Duration `json:"max_duration_nanos"`

	// CurrentRPS is the request rate over the trailing ten seconds
	CurrentRPS float64 `json:"current_rps"`
	// PeakRPS is the highest CurrentRPS observed in the session
	PeakRPS float64 `json:"peak_rps"`

	// ErrorRateLastMinute is failed/total over the trailing minute
	ErrorRateLastMinute float64 `json:"error_rate_last_minute"`
	// ErrorCountByCode counts failures keyed by HTTP status code, or by
	// failure class ("timeout", "connection_error") for transport errors
	ErrorCountByCode map[string]int64 `json:"error_count_by_code"`

	// P50/P95/P99 are approximate response time percentiles computed
	// from a bounded sample of recent successful requests
	P50 time.Duration `json:"p50_nanos"`
	P95 time.Duration `json:"p95_nanos"`
	P99 time.Duration `json:"p99_nanos"`

	// Endpoints holds per-endpoint aggregates keyed by endpoint name
	Endpoints map[string]EndpointStats `json:"endpoints"`

	ActiveWorkers int `json:"active_workers"`
}

// SuccessRate returns the overall fraction of requests that succeeded.
func (s RealTimeStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// AverageResponseTime returns the mean duration of successful
// requests in the session.
func (s RealTimeStats) AverageResponseTime() time.Duration {
	if s.SuccessfulRequests == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.SuccessfulRequests)
}

// TimeWindowStats aggregates request outcomes over one fixed
// one-minute bucket, for time-series views of a session.
type TimeWindowStats struct {
	// WindowStart is the start of the minute bucket, truncated
	WindowStart time.Time `json:"window_start"`

	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`

	TotalDuration time.Duration `json:"total_duration_nanos"`
	MinDuration   time.Duration `json:"min_duration_nanos"`
	MaxDuration   time.Duration `json:"max_duration_nanos"`
}

// AverageResponseTime returns the window's mean duration of
// successful requests.
func (s TimeWindowStats) AverageResponseTime() time.Duration {
	if s.SuccessfulRequests == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.SuccessfulRequests)
}
