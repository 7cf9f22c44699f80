// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api provides the public datastructures that can be used to
// create a runtime configuration file and to consume run statistics.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Endpoint contains the information needed to send requests, in the
// desired proportion to total requests, to a given HTTP endpoint.
type Endpoint struct {
	// Name identifies the endpoint in statistics and weight updates.
	// By convention it is the URL path (e.g., "/performance/slow").
	Name string `json:"name"`
	// URL is the full endpoint address
	URL string `json:"url"`
	// Method is the HTTP Method
	Method string `json:"method"`
	// Weight is the relative probability mass of this endpoint. An
	// endpoint with weight 2.0 is selected twice as often as one with
	// weight 1.0. Weights don't need to add up to anything.
	Weight float64 `json:"weight"`
	// TimeoutSecs is the per-request timeout for this endpoint
	TimeoutSecs int `json:"timeout_secs"`
	// Enabled removes the endpoint from selection when false. Endpoints
	// are never deleted at runtime, only disabled.
	Enabled bool `json:"enabled"`
	// Description is a human readable note about what the endpoint does
	Description string `json:"description"`
}

// Timeout returns the endpoint's request timeout as a Duration.
func (e Endpoint) Timeout() time.Duration {
	if e.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSecs) * time.Second
}

// DefaultEndpoints returns the catalog of known performance-problem
// endpoints rooted at targetURL.
func DefaultEndpoints(targetURL string) []Endpoint {
	base := strings.TrimRight(targetURL, "/")
	mk := func(path, desc string, timeoutSecs int) Endpoint {
		return Endpoint{
			Name:        path,
			URL:         base + path,
			Method:      "GET",
			Weight:      1.0,
			TimeoutSecs: timeoutSecs,
			Enabled:     true,
			Description: desc,
		}
	}
	return []Endpoint{
		mk("/performance/slow", "Slow processing endpoint", 30),
		mk("/performance/n-plus-one", "N+1 query problem endpoint", 30),
		mk("/performance/slow-query", "Slow database query endpoint", 30),
		mk("/performance/js-errors", "JavaScript errors endpoint", 30),
		mk("/performance/bad-vitals", "Bad Core Web Vitals endpoint", 30),
		mk("/performance/error", "General application error endpoint", 30),
		mk("/performance/slow-query/full-scan", "Full table scan database query endpoint", 60),
		mk("/performance/slow-query/complex-join", "Complex join database query endpoint", 60),
	}
}

// TestConfig contains everything needed to run one load test session.
type TestConfig struct {
	// SessionName is a human readable name for the session
	SessionName string `json:"session_name"`
	// ConcurrentUsers is the number of concurrent workers issuing
	// requests. Bounded by MaxConcurrentUsers.
	ConcurrentUsers int `json:"concurrent_users"`
	// DurationMinutes is how long the test runs before the session is
	// completed automatically
	DurationMinutes int `json:"duration_minutes"`
	// RequestIntervalMinSecs/MaxSecs bound the randomized sleep each
	// worker takes between requests. The randomization is intentional:
	// it avoids thundering-herd synchronization among workers and
	// approximates organic traffic.
	RequestIntervalMinSecs float64 `json:"request_interval_min_secs"`
	RequestIntervalMaxSecs float64 `json:"request_interval_max_secs"`
	// EndpointWeights overrides selector weights for this run. Unknown
	// endpoint names are ignored.
	EndpointWeights map[string]float64 `json:"endpoint_weights,omitempty"`
	// MaxErrorsPerMinute is the per-worker error budget. A worker seeing
	// this many of its own errors within a minute throttles itself.
	MaxErrorsPerMinute int `json:"max_errors_per_minute"`
	// TimeoutSecs is the default request timeout
	TimeoutSecs int `json:"timeout_secs"`
}

// Safety limits for a test session. Larger runs belong on dedicated
// load-generation hardware, not this tool.
const (
	MaxConcurrentUsers = 50
	MaxDurationMinutes = 120
)

// IntervalMin returns the minimum inter-request sleep as a Duration.
func (c TestConfig) IntervalMin() time.Duration {
	return time.Duration(c.RequestIntervalMinSecs * float64(time.Second))
}

// IntervalMax returns the maximum inter-request sleep as a Duration.
func (c TestConfig) IntervalMax() time.Duration {
	return time.Duration(c.RequestIntervalMaxSecs * float64(time.Second))
}

// Validate checks the configuration, returning a single error listing
// every problem found, or nil if the configuration is usable.
func (c TestConfig) Validate() error {
	var errs []string

	if strings.TrimSpace(c.SessionName) == "" {
		errs = append(errs, "session name is required")
	}
	if c.ConcurrentUsers < 1 {
		errs = append(errs, "concurrent users must be at least 1")
	}
	if c.ConcurrentUsers > MaxConcurrentUsers {
		errs = append(errs, fmt.Sprintf("concurrent users cannot exceed %d", MaxConcurrentUsers))
	}
	if c.DurationMinutes < 1 {
		errs = append(errs, "duration must be at least 1 minute")
	}
	if c.DurationMinutes > MaxDurationMinutes {
		errs = append(errs, fmt.Sprintf("duration cannot exceed %d minutes", MaxDurationMinutes))
	}
	if c.RequestIntervalMinSecs <= 0 {
		errs = append(errs, "minimum request interval must be positive")
	}
	if c.RequestIntervalMaxSecs <= c.RequestIntervalMinSecs {
		errs = append(errs, "maximum request interval must be greater than minimum")
	}
	if c.MaxErrorsPerMinute < 1 {
		errs = append(errs, "max errors per minute must be at least 1")
	}
	if c.TimeoutSecs < 1 {
		errs = append(errs, "timeout must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Thresholds holds the warning/critical/emergency boundaries the
// resource monitor evaluates host usage against. CPU, memory and disk
// values are percentages; connections is an absolute count.
type Thresholds struct {
	CPUWarning   float64 `json:"cpu_warning"`
	CPUCritical  float64 `json:"cpu_critical"`
	CPUEmergency float64 `json:"cpu_emergency"`

	MemoryWarning   float64 `json:"memory_warning"`
	MemoryCritical  float64 `json:"memory_critical"`
	MemoryEmergency float64 `json:"memory_emergency"`

	DiskWarning   float64 `json:"disk_warning"`
	DiskCritical  float64 `json:"disk_critical"`
	DiskEmergency float64 `json:"disk_emergency"`

	ConnectionsWarning   float64 `json:"connections_warning"`
	ConnectionsCritical  float64 `json:"connections_critical"`
	ConnectionsEmergency float64 `json:"connections_emergency"`
}

// DefaultThresholds returns the stock protection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning: 70, CPUCritical: 85, CPUEmergency: 95,
		MemoryWarning: 70, MemoryCritical: 85, MemoryEmergency: 95,
		DiskWarning: 80, DiskCritical: 90, DiskEmergency: 95,
		ConnectionsWarning: 1000, ConnectionsCritical: 2000, ConnectionsEmergency: 5000,
	}
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the breaker
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeoutSecs is how long an open breaker waits before
	// allowing a half-open trial request
	RecoveryTimeoutSecs int `json:"recovery_timeout_secs"`
}

// RecoveryTimeout returns the breaker recovery timeout as a Duration.
func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutSecs) * time.Second
}

// DefaultBreakerConfig returns the stock circuit breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeoutSecs: 60}
}

// ScheduleType distinguishes how a scheduled task computes its next
// execution time.
type ScheduleType string

const (
	// ScheduleOneTime runs once at a fixed start time
	ScheduleOneTime ScheduleType = "one_time"
	// ScheduleRecurring runs every IntervalMinutes, optionally capped
	// by MaxExecutions
	ScheduleRecurring ScheduleType = "recurring"
	// ScheduleCron runs on a standard 5-field cron expression
	ScheduleCron ScheduleType = "cron"
)

// ScheduleConfig describes when a load test should run unattended.
type ScheduleConfig struct {
	Name string       `json:"name"`
	Type ScheduleType `json:"type"`
	// Test is the load test configuration executed at each trigger
	Test TestConfig `json:"test"`

	// StartTime is required for one-time schedules
	StartTime *time.Time `json:"start_time,omitempty"`

	// IntervalMinutes and MaxExecutions apply to recurring schedules.
	// MaxExecutions of 0 means unbounded.
	IntervalMinutes int `json:"interval_minutes,omitempty"`
	MaxExecutions   int `json:"max_executions,omitempty"`

	// CronExpr is required for cron schedules
	CronExpr string `json:"cron_expr,omitempty"`

	Enabled bool `json:"enabled"`
}

// Validate checks the schedule configuration against its type.
func (c ScheduleConfig) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "schedule name is required")
	}

	switch c.Type {
	case ScheduleOneTime:
		if c.StartTime == nil {
			errs = append(errs, "start time is required for one-time schedule")
		} else if !c.StartTime.After(time.Now()) {
			errs = append(errs, "start time must be in the future")
		}
	case ScheduleRecurring:
		if c.IntervalMinutes < 1 {
			errs = append(errs, "interval minutes must be at least 1 for recurring schedule")
		}
		if c.MaxExecutions < 0 {
			errs = append(errs, "max executions cannot be negative")
		}
	case ScheduleCron:
		if c.CronExpr == "" {
			errs = append(errs, "cron expression is required for cron schedule")
		} else if _, err := cron.ParseStandard(c.CronExpr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid cron expression: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown schedule type %q", c.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid schedule configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Config is the top level runtime configuration file format.
type Config struct {
	// TargetURL is the base URL of the application under test
	TargetURL string `json:"target_url"`
	// Endpoints overrides the default endpoint catalog. When empty the
	// DefaultEndpoints catalog for TargetURL is used.
	Endpoints []Endpoint `json:"endpoints,omitempty"`
	// MaxConnections bounds concurrently open request slots across all
	// workers (admission control, not an OS level limit)
	MaxConnections int64 `json:"max_connections"`
	// Thresholds configures the resource monitor. Zero value means
	// DefaultThresholds.
	Thresholds *Thresholds `json:"thresholds,omitempty"`
	// Breaker configures per-endpoint circuit breakers. Zero value
	// means DefaultBreakerConfig.
	Breaker *BreakerConfig `json:"breaker,omitempty"`
	// Test is the load test started when stampede runs in one-shot mode
	Test TestConfig `json:"test"`
}

// Validate checks the top level configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TargetURL) == "" && len(c.Endpoints) == 0 {
		return fmt.Errorf("invalid configuration: target_url or endpoints required")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid configuration: max_connections cannot be negative")
	}
	return c.Test.Validate()
}
