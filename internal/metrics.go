// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the engine's Prometheus collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	activeWorkers   prometheus.Gauge
	throttleFactor  prometheus.Gauge
	cpuPercent      prometheus.Gauge
	memPercent      prometheus.Gauge
	connsInFlight   prometheus.Gauge
	breakerOpen     *prometheus.GaugeVec
}

// NewMetrics builds and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stampede",
			Name:      "requests_total",
			Help:      "Requests issued, by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stampede",
			Name:      "request_duration_seconds",
			Help:      "Request durations by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stampede",
			Name:      "errors_total",
			Help:      "Handled errors, by type and severity.",
		}, []string{"type", "severity"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "active_workers",
			Help:      "Workers currently running or paused.",
		}),
		throttleFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "throttle_factor",
			Help:      "Current request rate scale in (0, 1].",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "host_cpu_percent",
			Help:      "Host CPU usage sampled by the resource monitor.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "host_memory_percent",
			Help:      "Host memory usage sampled by the resource monitor.",
		}),
		connsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "connections_in_flight",
			Help:      "Connection permits currently held.",
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stampede",
			Name:      "circuit_breaker_open",
			Help:      "1 when the endpoint's circuit breaker is open.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.activeWorkers,
		m.throttleFactor,
		m.cpuPercent,
		m.memPercent,
		m.connsInFlight,
		m.breakerOpen,
	)
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(res RequestResult) {
	m.requestsTotal.WithLabelValues(res.Endpoint, string(res.Status)).Inc()
	m.requestDuration.WithLabelValues(res.Endpoint).Observe(res.Duration.Seconds())
}

// ObserveError records one handled error.
func (m *Metrics) ObserveError(rec ErrorRecord) {
	m.errorsTotal.WithLabelValues(string(rec.Type), string(rec.Severity)).Inc()
}

// ObserveUsage records one resource monitor sample.
func (m *Metrics) ObserveUsage(u Usage) {
	m.cpuPercent.Set(u.CPUPercent)
	m.memPercent.Set(u.MemPercent)
}

// SetWorkers records the active worker count.
func (m *Metrics) SetWorkers(n int) {
	m.activeWorkers.Set(float64(n))
}

// SetThrottle records the current throttle factor.
func (m *Metrics) SetThrottle(f float64) {
	m.throttleFactor.Set(f)
}

// SetInFlight records held connection permits.
func (m *Metrics) SetInFlight(n int64) {
	m.connsInFlight.Set(float64(n))
}

// SetBreaker records one endpoint's breaker state.
func (m *Metrics) SetBreaker(endpoint string, state BreakerState) {
	v := 0.0
	if state == BreakerOpen {
		v = 1
	}
	m.breakerOpen.WithLabelValues(endpoint).Set(v)
}
