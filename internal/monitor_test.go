// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"testing"
	"time"

	"github.com/loadtools/stampede/api"
)

// newTestMonitor returns a monitor whose sampler replays the queued
// usage readings and whose clock is driven by the returned pointer.
func newTestMonitor(readings ...Usage) (*Monitor, *time.Time) {
	m := NewMonitor(api.DefaultThresholds(), 100)
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	i := 0
	m.sample = func() (Usage, error) {
		u := readings[i%len(readings)]
		u.Timestamp = current
		i++
		return u, nil
	}
	return m, &current
}

func TestClassify(t *testing.T) {
	tests := []struct {
		value float64
		want  ResourceStatus
	}{
		{50, StatusNormal},
		{69.9, StatusNormal},
		{70, StatusWarning},
		{84.9, StatusWarning},
		{85, StatusCritical},
		{94.9, StatusCritical},
		{95, StatusEmergency},
		{100, StatusEmergency},
	}
	for _, tc := range tests {
		if got := classify(tc.value, 70, 85, 95); got != tc.want {
			t.Errorf("classify(%.1f) = %s, want %s", tc.value, got, tc.want)
		}
	}
}

func TestAlertOnlyOnStatusChange(t *testing.T) {
	m, _ := newTestMonitor(Usage{CPUPercent: 75})
	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.sampleOnce()
	m.sampleOnce()
	m.sampleOnce()

	if len(alerts) != 1 {
		t.Fatalf("got %d alerts for a steady warning state, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Resource != ResourceCPU || a.Status != StatusWarning || a.Previous != StatusNormal {
		t.Errorf("alert = %+v, want cpu normal->warning", a)
	}
}

func TestAlertOnRecovery(t *testing.T) {
	m, _ := newTestMonitor(Usage{CPUPercent: 75}, Usage{CPUPercent: 40})
	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.sampleOnce() // warning
	m.sampleOnce() // back to normal

	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2 (degrade then recover)", len(alerts))
	}
	if alerts[1].Status != StatusNormal || alerts[1].Previous != StatusWarning {
		t.Errorf("recovery alert = %+v, want warning->normal", alerts[1])
	}
}

func TestEmergencyCPURequestsEmergencyStop(t *testing.T) {
	m, _ := newTestMonitor(Usage{CPUPercent: 96})
	var actions []AdjustmentAction
	m.OnAdjustment(func(a AdjustmentAction, _ Alert) { actions = append(actions, a) })

	m.sampleOnce()
	m.sampleOnce()

	if len(actions) != 1 {
		t.Fatalf("got %d adjustments for a steady emergency, want 1", len(actions))
	}
	if actions[0] != AdjustEmergencyStop {
		t.Errorf("adjustment = %s, want %s", actions[0], AdjustEmergencyStop)
	}
}

func TestEmergencyDiskPausesTest(t *testing.T) {
	m, _ := newTestMonitor(Usage{DiskPercent: 96})
	var actions []AdjustmentAction
	m.OnAdjustment(func(a AdjustmentAction, _ Alert) { actions = append(actions, a) })

	m.sampleOnce()
	if len(actions) != 1 || actions[0] != AdjustPauseTest {
		t.Errorf("adjustments = %v, want [%s]", actions, AdjustPauseTest)
	}
}

func TestCriticalConnectionsReducesWorkers(t *testing.T) {
	m, _ := newTestMonitor(Usage{Connections: 2500})
	var actions []AdjustmentAction
	m.OnAdjustment(func(a AdjustmentAction, _ Alert) { actions = append(actions, a) })

	m.sampleOnce()
	if len(actions) != 1 || actions[0] != AdjustReduceWorkers {
		t.Errorf("adjustments = %v, want [%s]", actions, AdjustReduceWorkers)
	}
}

func TestAdjustmentCooldown(t *testing.T) {
	m, current := newTestMonitor(
		Usage{CPUPercent: 75},  // warning -> throttle
		Usage{MemPercent: 75},  // cpu recovers, memory warning: inside cooldown
		Usage{DiskPercent: 85}, // after cooldown: throttle again
	)
	var actions []AdjustmentAction
	m.OnAdjustment(func(a AdjustmentAction, _ Alert) { actions = append(actions, a) })

	m.sampleOnce()
	if len(actions) != 1 {
		t.Fatalf("got %d adjustments, want 1", len(actions))
	}

	*current = current.Add(5 * time.Second)
	m.sampleOnce()
	if len(actions) != 1 {
		t.Fatalf("got %d adjustments inside cooldown, want still 1", len(actions))
	}

	*current = current.Add(adjustCooldown)
	m.sampleOnce()
	if len(actions) != 2 {
		t.Errorf("got %d adjustments after cooldown, want 2", len(actions))
	}
}

func TestCooldownAppliesToEmergencyStop(t *testing.T) {
	m, current := newTestMonitor(
		Usage{CPUPercent: 75}, // warning -> throttle
		Usage{CPUPercent: 96}, // emergency inside cooldown: held back
	)
	var actions []AdjustmentAction
	m.OnAdjustment(func(a AdjustmentAction, _ Alert) { actions = append(actions, a) })

	m.sampleOnce()
	*current = current.Add(5 * time.Second)
	m.sampleOnce()
	if len(actions) != 1 {
		t.Fatalf("got %d adjustments inside cooldown, want 1", len(actions))
	}

	// The emergency fires once the cooldown elapses and the status
	// changes again.
	*current = current.Add(adjustCooldown)
	m.sampleOnce() // back to warning
	*current = current.Add(adjustCooldown)
	m.sampleOnce() // emergency again
	if len(actions) != 3 {
		t.Fatalf("got %d adjustments after cooldowns, want 3", len(actions))
	}
	if actions[2] != AdjustEmergencyStop {
		t.Errorf("last adjustment = %s, want %s", actions[2], AdjustEmergencyStop)
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	m, _ := newTestMonitor(Usage{CPUPercent: 96})

	var samples, alerts, actions int
	m.OnSample(func(Usage) { panic("broken sample listener") })
	m.OnSample(func(Usage) { samples++ })
	m.OnAlert(func(Alert) { panic("broken alert listener") })
	m.OnAlert(func(Alert) { alerts++ })
	m.OnAdjustment(func(AdjustmentAction, Alert) { panic("broken adjustment listener") })
	m.OnAdjustment(func(AdjustmentAction, Alert) { actions++ })

	m.sampleOnce()

	if samples != 1 {
		t.Errorf("second sample callback called %d times, want 1: panicking callback must not stop dispatch", samples)
	}
	if alerts != 1 {
		t.Errorf("second alert callback called %d times, want 1", alerts)
	}
	if actions != 1 {
		t.Errorf("second adjustment callback called %d times, want 1", actions)
	}
}

func TestUsageHistoryBounded(t *testing.T) {
	m, _ := newTestMonitor(Usage{CPUPercent: 10})
	for i := 0; i < usageHistorySize+50; i++ {
		m.sampleOnce()
	}
	if got := len(m.History()); got != usageHistorySize {
		t.Errorf("history length = %d, want %d", got, usageHistorySize)
	}
}

func TestConnectionPermits(t *testing.T) {
	m := NewMonitor(api.DefaultThresholds(), 2)

	if !m.AcquireConnection() || !m.AcquireConnection() {
		t.Fatalf("first two acquires should succeed")
	}
	if m.AcquireConnection() {
		t.Fatalf("third acquire should fail fast with 2 permits")
	}
	if got := m.InFlight(); got != 2 {
		t.Errorf("InFlight() = %d, want 2", got)
	}

	m.ReleaseConnection()
	if !m.AcquireConnection() {
		t.Errorf("acquire after release should succeed")
	}
}
