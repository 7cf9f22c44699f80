// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// ErrorType classifies where a request error came from.
type ErrorType string

const (
	ErrorNetwork       ErrorType = "network"
	ErrorHTTP          ErrorType = "http"
	ErrorTimeout       ErrorType = "timeout"
	ErrorConnection    ErrorType = "connection"
	ErrorApplication   ErrorType = "application"
	ErrorResource      ErrorType = "resource"
	ErrorConfiguration ErrorType = "configuration"
	ErrorUnknown       ErrorType = "unknown"
)

// Severity ranks how serious an error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the corrective action the caller should take after an
// error has been handled.
type Action string

const (
	// ActionContinue means keep going as-is
	ActionContinue Action = "continue"
	// ActionRetry means the request may be retried after a backoff
	ActionRetry Action = "retry"
	// ActionThrottle means the worker should slow its request rate
	ActionThrottle Action = "throttle"
	// ActionStopWorker means the reporting worker should exit
	ActionStopWorker Action = "stop_worker"
	// ActionStopTest means the whole session should stop gracefully
	ActionStopTest Action = "stop_test"
	// ActionEmergencyStop means everything stops immediately
	ActionEmergencyStop Action = "emergency_stop"
)

// ErrorRecord is one handled error, kept in the bounded history.
type ErrorRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       ErrorType `json:"type"`
	Severity   Severity  `json:"severity"`
	Endpoint   string    `json:"endpoint"`
	WorkerID   int       `json:"worker_id"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Action     Action    `json:"action"`
}

// ErrorCallback is invoked for every handled error. Callbacks run on
// the handler's calling goroutine; panics are recovered and logged so
// a broken callback cannot take down a worker.
type ErrorCallback func(ErrorRecord)

// errorHistorySize bounds the in-memory error history.
const errorHistorySize = 1000

// Handler centralizes error classification, rate tracking, circuit
// breaking and corrective action decisions for a test session.
type Handler struct {
	mu sync.Mutex

	breakerCfg api.BreakerConfig
	now        func() time.Time

	history []ErrorRecord
	// countsByType tracks totals per error type for the whole session
	countsByType map[ErrorType]int64
	total        int64

	breakers  map[string]*Breaker
	callbacks []ErrorCallback
}

// NewHandler returns a Handler using cfg for its per-endpoint circuit
// breakers.
func NewHandler(cfg api.BreakerConfig) *Handler {
	if cfg.FailureThreshold <= 0 {
		cfg = api.DefaultBreakerConfig()
	}
	return &Handler{
		breakerCfg:   cfg,
		now:          time.Now,
		countsByType: make(map[ErrorType]int64),
		breakers:     make(map[string]*Breaker),
	}
}

// OnError registers a callback invoked for each handled error.
func (h *Handler) OnError(cb ErrorCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// AllowRequest reports whether the endpoint's circuit breaker admits a
// request right now.
func (h *Handler) AllowRequest(endpoint string) bool {
	return h.breaker(endpoint).Allow()
}

// RecordSuccess feeds a successful request into the endpoint's
// circuit breaker.
func (h *Handler) RecordSuccess(endpoint string) {
	h.breaker(endpoint).OnSuccess()
}

// HandleNetworkError handles a transport level failure (timeout or
// connection error) and returns the corrective action.
func (h *Handler) HandleNetworkError(endpoint string, workerID int, errType ErrorType, msg string) Action {
	if errType != ErrorTimeout && errType != ErrorConnection {
		errType = ErrorNetwork
	}

	severity := SeverityMedium
	action := ActionRetry
	switch errType {
	case ErrorTimeout:
		// Occasional timeouts are normal under load. A burst of them
		// means the target or the network is saturated.
		if h.countRecent(ErrorTimeout, time.Minute) >= 10 {
			severity = SeverityHigh
			action = ActionThrottle
		}
	case ErrorConnection:
		// Connection failures are what the breaker exists for. Record
		// the failure, then let the breaker state pick the action: an
		// open breaker means the endpoint is down, so back off instead
		// of retrying into it.
		severity = SeverityHigh
		b := h.breaker(endpoint)
		b.OnFailure()
		if b.State() == BreakerOpen {
			action = ActionThrottle
		}
	}

	return h.record(ErrorRecord{
		Type:     errType,
		Severity: severity,
		Endpoint: endpoint,
		WorkerID: workerID,
		Message:  msg,
		Action:   action,
	})
}

// HandleHTTPError handles a response with status >= 400 and returns
// the corrective action.
func (h *Handler) HandleHTTPError(endpoint string, workerID, statusCode int, msg string) Action {
	// Severity follows the status class alone; the recent-error count
	// only escalates the action.
	severity := SeverityLow
	switch {
	case statusCode >= 500:
		severity = SeverityHigh
	case statusCode >= 400:
		severity = SeverityMedium
	}

	action := ActionContinue
	switch {
	case statusCode == 429:
		// The target is explicitly telling us to back off.
		action = ActionThrottle
	case statusCode >= 500:
		action = ActionRetry
		if h.countRecentEndpoint(endpoint, 5*time.Minute, func(r ErrorRecord) bool {
			return r.Type == ErrorHTTP && r.StatusCode >= 500
		}) >= 20 {
			action = ActionThrottle
		}
	case statusCode >= 400:
		// Client errors usually mean a misconfigured endpoint, not a
		// target problem. Keep going and let the stats surface it.
	}

	return h.record(ErrorRecord{
		Type:       ErrorHTTP,
		Severity:   severity,
		Endpoint:   endpoint,
		WorkerID:   workerID,
		StatusCode: statusCode,
		Message:    msg,
		Action:     action,
	})
}

// HandleApplicationError handles an error internal to the tool itself
// (bad state, resource exhaustion, programming errors) and returns the
// corrective action.
func (h *Handler) HandleApplicationError(endpoint string, workerID int, errType ErrorType, msg string) Action {
	severity := SeverityMedium
	action := ActionContinue

	switch errType {
	case ErrorResource:
		severity = SeverityCritical
		action = ActionEmergencyStop
	case ErrorConfiguration:
		severity = SeverityHigh
		action = ActionStopWorker
	case ErrorApplication, ErrorUnknown:
		errType = ErrorApplication
	default:
		errType = ErrorApplication
	}

	return h.record(ErrorRecord{
		Type:     errType,
		Severity: severity,
		Endpoint: endpoint,
		WorkerID: workerID,
		Message:  msg,
		Action:   action,
	})
}

// ShouldContinue reports whether the session's error rate is still
// within acceptable bounds. The session should stop when the trailing
// minute saw 10 critical errors or 100 errors in total.
func (h *Handler) ShouldContinue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-time.Minute)
	var total, critical int
	for i := len(h.history) - 1; i >= 0; i-- {
		r := h.history[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		total++
		if r.Severity == SeverityCritical {
			critical++
		}
	}
	return critical < 10 && total < 100
}

// ErrorStats is a rollup of handled errors.
type ErrorStats struct {
	Total      int64               `json:"total"`
	ByType     map[ErrorType]int64 `json:"by_type"`
	BySeverity map[Severity]int64  `json:"by_severity"`
	ByEndpoint map[string]int64    `json:"by_endpoint"`
	LastMinute int64               `json:"last_minute"`
	LastHour   int64               `json:"last_hour"`
}

// Stats returns session-wide error totals. The per-severity,
// per-endpoint and trailing-window figures cover the retained history;
// Total and ByType cover the whole session.
func (h *Handler) Stats() ErrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := ErrorStats{
		Total:      h.total,
		ByType:     make(map[ErrorType]int64, len(h.countsByType)),
		BySeverity: make(map[Severity]int64),
		ByEndpoint: make(map[string]int64),
	}
	for k, v := range h.countsByType {
		stats.ByType[k] = v
	}

	now := h.now()
	minuteCutoff := now.Add(-time.Minute)
	hourCutoff := now.Add(-time.Hour)
	for _, r := range h.history {
		stats.BySeverity[r.Severity]++
		if r.Endpoint != "" {
			stats.ByEndpoint[r.Endpoint]++
		}
		if !r.Timestamp.Before(hourCutoff) {
			stats.LastHour++
			if !r.Timestamp.Before(minuteCutoff) {
				stats.LastMinute++
			}
		}
	}
	return stats
}

// RecentErrors returns up to n most recent error records, newest last.
func (h *Handler) RecentErrors(n int) []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]ErrorRecord, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

// BreakerStates returns the current state of every endpoint breaker.
func (h *Handler) BreakerStates() map[string]BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]BreakerState, len(h.breakers))
	for name, b := range h.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetBreaker forces the named endpoint's breaker closed.
func (h *Handler) ResetBreaker(endpoint string) {
	h.breaker(endpoint).Reset()
}

func (h *Handler) breaker(endpoint string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[endpoint]
	if !ok {
		b = NewBreaker(h.breakerCfg)
		h.breakers[endpoint] = b
	}
	return b
}

// record stamps, stores and dispatches the error and returns the
// chosen action.
func (h *Handler) record(rec ErrorRecord) Action {
	rec.Timestamp = h.now()

	h.mu.Lock()
	h.history = append(h.history, rec)
	if len(h.history) > errorHistorySize {
		h.history = h.history[len(h.history)-errorHistorySize:]
	}
	h.countsByType[rec.Type]++
	h.total++
	callbacks := make([]ErrorCallback, len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	log.Debug().
		Str("type", string(rec.Type)).
		Str("severity", string(rec.Severity)).
		Str("endpoint", rec.Endpoint).
		Int("workerID", rec.WorkerID).
		Int("statusCode", rec.StatusCode).
		Str("action", string(rec.Action)).
		Msg(rec.Message)

	for _, cb := range callbacks {
		h.dispatch(cb, rec)
	}
	return rec.Action
}

func (h *Handler) dispatch(cb ErrorCallback, rec ErrorRecord) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("error callback panicked")
		}
	}()
	cb(rec)
}

// countRecent counts history entries of the given type within the
// trailing window.
func (h *Handler) countRecent(t ErrorType, window time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-window)
	var n int
	for i := len(h.history) - 1; i >= 0; i-- {
		r := h.history[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		if r.Type == t {
			n++
		}
	}
	return n
}

// countRecentEndpoint counts matching history entries for one endpoint
// within the trailing window.
func (h *Handler) countRecentEndpoint(endpoint string, window time.Duration, match func(ErrorRecord) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-window)
	var n int
	for i := len(h.history) - 1; i >= 0; i-- {
		r := h.history[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		if r.Endpoint == endpoint && match(r) {
			n++
		}
	}
	return n
}

// Backoff returns the sleep before retry attempt (1-based), using
// exponential growth with jitter, capped at 30 seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := math.Min(30, math.Pow(2, float64(attempt-1)))
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(base * jitter * float64(time.Second))
}
