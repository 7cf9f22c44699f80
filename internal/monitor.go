// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/semaphore"

	"github.com/loadtools/stampede/api"
)

// ResourceType names a monitored host resource.
type ResourceType string

const (
	ResourceCPU         ResourceType = "cpu"
	ResourceMemory      ResourceType = "memory"
	ResourceDisk        ResourceType = "disk"
	ResourceConnections ResourceType = "connections"
)

// ResourceStatus is how a resource compares to its thresholds.
type ResourceStatus string

const (
	StatusNormal    ResourceStatus = "normal"
	StatusWarning   ResourceStatus = "warning"
	StatusCritical  ResourceStatus = "critical"
	StatusEmergency ResourceStatus = "emergency"
)

// AdjustmentAction is a load adjustment the monitor asks for when a
// resource crosses a threshold.
type AdjustmentAction string

const (
	// AdjustThrottle scales the request rate down
	AdjustThrottle AdjustmentAction = "throttle_requests"
	// AdjustReduceWorkers drops a quarter of the workers
	AdjustReduceWorkers AdjustmentAction = "reduce_workers"
	// AdjustPauseTest pauses all workers
	AdjustPauseTest AdjustmentAction = "pause_test"
	// AdjustEmergencyStop aborts the session immediately
	AdjustEmergencyStop AdjustmentAction = "emergency_stop"
)

// Usage is one sample of host resource usage. CPU, memory and disk are
// percentages; connections and load are absolute.
type Usage struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	Connections int       `json:"connections"`
	Load1       float64   `json:"load1"`
}

// Alert is raised when a resource's status changes.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Resource  ResourceType   `json:"resource"`
	Status    ResourceStatus `json:"status"`
	Previous  ResourceStatus `json:"previous"`
	Value     float64        `json:"value"`
	Message   string         `json:"message"`
}

// AlertCallback receives resource alerts.
type AlertCallback func(Alert)

// AdjustmentCallback receives load adjustment requests.
type AdjustmentCallback func(AdjustmentAction, Alert)

const (
	monitorInterval = 5 * time.Second
	// usageHistorySize covers an hour at the 5s sampling interval
	usageHistorySize = 720
	adjustCooldown   = 30 * time.Second
)

// Monitor samples host resource usage, raises alerts when a resource's
// threshold status changes, and requests load adjustments. It also
// owns the connection permit semaphore that bounds concurrently open
// request slots.
type Monitor struct {
	mu sync.Mutex

	thresholds api.Thresholds
	interval   time.Duration
	now        func() time.Time
	// sample collects one usage reading; replaceable in tests
	sample func() (Usage, error)

	permits  *semaphore.Weighted
	maxConns int64
	// inFlight tracks permits currently held, for the connections
	// resource reading
	inFlight int64

	history  []Usage
	statuses map[ResourceType]ResourceStatus
	// lastAdjust enforces the cooldown between adjustment requests
	lastAdjust time.Time

	alertCbs  []AlertCallback
	adjustCbs []AdjustmentCallback
	sampleCbs []func(Usage)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor returns a Monitor enforcing the given thresholds, with a
// connection permit budget of maxConns (0 means 5000).
func NewMonitor(thresholds api.Thresholds, maxConns int64) *Monitor {
	if thresholds == (api.Thresholds{}) {
		thresholds = api.DefaultThresholds()
	}
	if maxConns <= 0 {
		maxConns = 5000
	}
	m := &Monitor{
		thresholds: thresholds,
		interval:   monitorInterval,
		now:        time.Now,
		permits:    semaphore.NewWeighted(maxConns),
		maxConns:   maxConns,
		statuses: map[ResourceType]ResourceStatus{
			ResourceCPU:         StatusNormal,
			ResourceMemory:      StatusNormal,
			ResourceDisk:        StatusNormal,
			ResourceConnections: StatusNormal,
		},
	}
	m.sample = m.hostSample
	return m
}

// UpdateThresholds replaces the protection thresholds. Statuses are
// re-evaluated on the next sample.
func (m *Monitor) UpdateThresholds(t api.Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	log.Info().Msg("resource thresholds updated")
}

// OnAlert registers a callback for resource status changes.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertCbs = append(m.alertCbs, cb)
}

// OnAdjustment registers a callback for load adjustment requests.
func (m *Monitor) OnAdjustment(cb AdjustmentCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustCbs = append(m.adjustCbs, cb)
}

// OnSample registers a callback invoked with every usage sample.
func (m *Monitor) OnSample(cb func(Usage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleCbs = append(m.sampleCbs, cb)
}

// AcquireConnection tries to take one connection permit without
// blocking. Returns false when all permits are in use; the caller
// should treat that as a failed request, not wait.
func (m *Monitor) AcquireConnection() bool {
	if !m.permits.TryAcquire(1) {
		return false
	}
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
	return true
}

// ReleaseConnection returns one connection permit.
func (m *Monitor) ReleaseConnection() {
	m.mu.Lock()
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.mu.Unlock()
	m.permits.Release(1)
}

// InFlight returns the number of connection permits currently held.
func (m *Monitor) InFlight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Start begins the sampling loop. Stop with Stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
	log.Info().Dur("interval", m.interval).Msg("resource monitor started")
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Current returns the most recent usage sample, or false when none
// has been taken yet.
func (m *Monitor) Current() (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Usage{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained usage samples, oldest first.
func (m *Monitor) History() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Usage, len(m.history))
	copy(out, m.history)
	return out
}

// Statuses returns the current threshold status of every resource.
func (m *Monitor) Statuses() map[ResourceType]ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ResourceType]ResourceStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// hostSample reads actual host usage via gopsutil. Individual reading
// failures degrade to zero values rather than failing the sample.
func (m *Monitor) hostSample() (Usage, error) {
	u := Usage{Timestamp: m.now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		u.CPUPercent = pcts[0]
	} else if err != nil {
		log.Warn().Err(err).Msg("cpu sample failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.MemPercent = vm.UsedPercent
	} else {
		log.Warn().Err(err).Msg("memory sample failed")
	}
	if du, err := disk.Usage("/"); err == nil {
		u.DiskPercent = du.UsedPercent
	} else {
		log.Warn().Err(err).Msg("disk sample failed")
	}
	if conns, err := gopsnet.Connections("tcp"); err == nil {
		u.Connections = len(conns)
	} else {
		log.Warn().Err(err).Msg("connections sample failed")
	}
	if avg, err := load.Avg(); err == nil {
		u.Load1 = avg.Load1
	}

	return u, nil
}

// sampleOnce takes one sample, updates history and statuses, and
// dispatches alerts and adjustment requests.
func (m *Monitor) sampleOnce() {
	u, err := m.sample()
	if err != nil {
		log.Error().Err(err).Msg("resource sample failed")
		return
	}

	m.mu.Lock()
	m.history = append(m.history, u)
	if len(m.history) > usageHistorySize {
		m.history = m.history[len(m.history)-usageHistorySize:]
	}
	sampleCbs := make([]func(Usage), len(m.sampleCbs))
	copy(sampleCbs, m.sampleCbs)
	thresholds := m.thresholds
	m.mu.Unlock()

	for _, cb := range sampleCbs {
		m.dispatchSample(cb, u)
	}

	readings := []struct {
		resource ResourceType
		value    float64
		warn     float64
		crit     float64
		emerg    float64
	}{
		{ResourceCPU, u.CPUPercent, thresholds.CPUWarning, thresholds.CPUCritical, thresholds.CPUEmergency},
		{ResourceMemory, u.MemPercent, thresholds.MemoryWarning, thresholds.MemoryCritical, thresholds.MemoryEmergency},
		{ResourceDisk, u.DiskPercent, thresholds.DiskWarning, thresholds.DiskCritical, thresholds.DiskEmergency},
		{ResourceConnections, float64(u.Connections), thresholds.ConnectionsWarning, thresholds.ConnectionsCritical, thresholds.ConnectionsEmergency},
	}

	for _, r := range readings {
		status := classify(r.value, r.warn, r.crit, r.emerg)

		m.mu.Lock()
		prev := m.statuses[r.resource]
		changed := status != prev
		if changed {
			m.statuses[r.resource] = status
		}
		alertCbs := make([]AlertCallback, len(m.alertCbs))
		copy(alertCbs, m.alertCbs)
		m.mu.Unlock()

		if !changed {
			continue
		}

		alert := Alert{
			Timestamp: u.Timestamp,
			Resource:  r.resource,
			Status:    status,
			Previous:  prev,
			Value:     r.value,
			Message:   fmt.Sprintf("%s usage %s (%.1f)", r.resource, status, r.value),
		}
		log.Warn().
			Str("resource", string(r.resource)).
			Str("status", string(status)).
			Float64("value", r.value).
			Msg("resource status changed")

		for _, cb := range alertCbs {
			m.dispatchAlert(cb, alert)
		}
		m.maybeAdjust(alert)
	}
}

// maybeAdjust maps an alert to a load adjustment and dispatches it,
// honoring the cooldown between adjustments.
func (m *Monitor) maybeAdjust(alert Alert) {
	var action AdjustmentAction
	switch alert.Status {
	case StatusEmergency:
		if alert.Resource == ResourceCPU || alert.Resource == ResourceMemory {
			action = AdjustEmergencyStop
		} else {
			action = AdjustPauseTest
		}
	case StatusCritical:
		if alert.Resource == ResourceConnections {
			action = AdjustReduceWorkers
		} else {
			action = AdjustThrottle
		}
	case StatusWarning:
		action = AdjustThrottle
	default:
		return
	}

	m.mu.Lock()
	// One adjustment per cooldown window, whatever the action; a
	// just-applied adjustment needs time to take effect before the
	// next sample can judge it.
	if m.now().Sub(m.lastAdjust) < adjustCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAdjust = m.now()
	adjustCbs := make([]AdjustmentCallback, len(m.adjustCbs))
	copy(adjustCbs, m.adjustCbs)
	m.mu.Unlock()

	log.Warn().
		Str("action", string(action)).
		Str("resource", string(alert.Resource)).
		Msg("requesting load adjustment")
	for _, cb := range adjustCbs {
		m.dispatchAdjustment(cb, action, alert)
	}
}

// The dispatch helpers isolate callback panics so one broken listener
// cannot take down the sampling loop.

func (m *Monitor) dispatchSample(cb func(Usage), u Usage) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("sample callback panicked")
		}
	}()
	cb(u)
}

func (m *Monitor) dispatchAlert(cb AlertCallback, alert Alert) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("alert callback panicked")
		}
	}()
	cb(alert)
}

func (m *Monitor) dispatchAdjustment(cb AdjustmentCallback, action AdjustmentAction, alert Alert) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("adjustment callback panicked")
		}
	}()
	cb(action, alert)
}

func classify(value, warn, crit, emerg float64) ResourceStatus {
	switch {
	case value >= emerg:
		return StatusEmergency
	case value >= crit:
		return StatusCritical
	case value >= warn:
		return StatusWarning
	default:
		return StatusNormal
	}
}
