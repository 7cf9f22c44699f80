// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// SessionStatus is a load test session's lifecycle state.
type SessionStatus string

const (
	// SessionRunning is the only non-terminal state.
	SessionRunning SessionStatus = "running"
	// SessionCompleted covers natural completion and operator stops.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed means the run was aborted by its own errors.
	SessionFailed SessionStatus = "failed"
	// SessionCancelled means the run was cut short from outside: an
	// emergency stop, or a service restart that orphaned it.
	SessionCancelled SessionStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s SessionStatus) Finished() bool {
	return s != SessionRunning
}

// Session is one load test run, persisted across restarts.
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    SessionStatus  `json:"status"`
	Config    api.TestConfig `json:"config"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	// StopReason records why a session left the running state
	StopReason string `json:"stop_reason,omitempty"`
	// Stats is the most recent statistics snapshot, refreshed while
	// running and frozen at session end
	Stats *api.RealTimeStats `json:"stats,omitempty"`
}

// activeRun bundles the live machinery of the running session.
type activeRun struct {
	session *Session
	pool    *Pool
	coll    *Collector
	handler *Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

const defaultWatchInterval = 5 * time.Second

// Manager owns session lifecycle: starting, stopping, persistence and
// the single-active-session invariant.
type Manager struct {
	mu sync.Mutex

	store    *Store
	registry *Registry
	selector *Selector
	monitor  *Monitor
	breaker  api.BreakerConfig

	sessions map[string]*Session
	active   *activeRun

	// resultHook, when set, is installed on every session's pool
	resultHook func(RequestResult)
	// errorHook, when set, is installed on every session's error
	// handler
	errorHook ErrorCallback

	// test knobs
	watchInterval    time.Duration
	durationOverride time.Duration
	now              func() time.Time
}

// SetResultHook installs a per-request observer on future sessions.
func (m *Manager) SetResultHook(fn func(RequestResult)) {
	m.resultHook = fn
}

// SetErrorHook installs a per-error observer on future sessions.
func (m *Manager) SetErrorHook(cb ErrorCallback) {
	m.errorHook = cb
}

// NewManager loads persisted sessions from store and marks any that
// were running when the process last exited as cancelled.
func NewManager(store *Store, registry *Registry, selector *Selector, monitor *Monitor, breaker api.BreakerConfig) (*Manager, error) {
	sessions, err := store.LoadSessions()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:         store,
		registry:      registry,
		selector:      selector,
		monitor:       monitor,
		breaker:       breaker,
		sessions:      sessions,
		watchInterval: defaultWatchInterval,
		now:           time.Now,
	}

	recovered := 0
	for _, s := range sessions {
		if s.Status == SessionRunning {
			s.Status = SessionCancelled
			s.StopReason = "interrupted by service restart"
			ended := m.now()
			s.EndedAt = &ended
			recovered++
		}
	}
	if recovered > 0 {
		log.Warn().Int("sessions", recovered).Msg("marked orphaned sessions cancelled")
		if err := store.SaveSessions(sessions); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartTest validates cfg and starts a new session. Only one session
// may run at a time.
func (m *Manager) StartTest(cfg api.TestConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.active != nil {
		name := m.active.session.Name
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q is already running", name)
	}

	if len(cfg.EndpointWeights) > 0 {
		if err := m.selector.UpdateWeights(cfg.EndpointWeights); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	session := &Session{
		ID:        uuid.NewString(),
		Name:      cfg.SessionName,
		Status:    SessionRunning,
		Config:    cfg,
		StartedAt: m.now(),
	}
	m.sessions[session.ID] = session

	coll := m.registry.Create(session.ID, session.Name)
	handler := NewHandler(m.breaker)
	client := NewClient(handler, m.monitor, cfg.ConcurrentUsers)
	pool := NewPool(cfg, m.selector, client, coll, handler, func(a Action) {
		m.onFatal(session.ID, a)
	})
	if m.resultHook != nil {
		pool.SetResultHook(m.resultHook)
	}
	if m.errorHook != nil {
		handler.OnError(m.errorHook)
	}

	run := &activeRun{session: session, pool: pool, coll: coll, handler: handler}
	m.active = run
	m.mu.Unlock()

	if err := pool.Start(); err != nil {
		m.mu.Lock()
		m.active = nil
		delete(m.sessions, session.ID)
		m.mu.Unlock()
		return nil, err
	}
	coll.Start()

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	run.done = make(chan struct{})
	go m.watch(ctx, run)

	m.persist()
	log.Info().
		Str("sessionID", session.ID).
		Str("name", session.Name).
		Int("workers", cfg.ConcurrentUsers).
		Int("durationMinutes", cfg.DurationMinutes).
		Msg("load test started")
	return session, nil
}

// StopTest stops the session gracefully. Stopping a session that has
// already finished is a no-op success, so repeated stop requests and
// races with natural completion are harmless.
func (m *Manager) StopTest(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if session.Status.Finished() {
		m.mu.Unlock()
		return nil
	}
	run := m.active
	m.mu.Unlock()

	if run == nil || run.session.ID != sessionID {
		return fmt.Errorf("session %s is not the active session", sessionID)
	}
	m.finish(run, SessionCompleted, "stopped by request", false)
	return nil
}

// EmergencyStop aborts the active session immediately, canceling
// in-flight requests. No-op when nothing is running.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil {
		return
	}
	log.Warn().Str("reason", reason).Msg("emergency stop")
	m.finish(run, SessionCancelled, reason, true)
}

// PauseTest suspends the active session's workers.
func (m *Manager) PauseTest(sessionID string) error {
	run, err := m.activeRunFor(sessionID)
	if err != nil {
		return err
	}
	run.pool.Pause()
	return nil
}

// ResumeTest lets a paused session's workers continue.
func (m *Manager) ResumeTest(sessionID string) error {
	run, err := m.activeRunFor(sessionID)
	if err != nil {
		return err
	}
	run.pool.Resume()
	return nil
}

func (m *Manager) activeRunFor(sessionID string) (*activeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	if m.active == nil || m.active.session.ID != sessionID {
		return nil, fmt.Errorf("session %s is not the active session", sessionID)
	}
	return m.active, nil
}

// onFatal handles a pool-reported session-stopping action.
func (m *Manager) onFatal(sessionID string, action Action) {
	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil || run.session.ID != sessionID {
		return
	}

	switch action {
	case ActionEmergencyStop:
		m.finish(run, SessionCancelled, "emergency stop", true)
	default:
		m.finish(run, SessionFailed, "error budget exhausted", false)
	}
}

// finish tears the run down, freezes its stats and persists the final
// session record. Safe to call at most once per run; later callers
// are screened out by the Finished check in their entry points.
func (m *Manager) finish(run *activeRun, status SessionStatus, reason string, emergency bool) {
	m.mu.Lock()
	if run.session.Status.Finished() {
		m.mu.Unlock()
		return
	}
	run.session.Status = status
	run.session.StopReason = reason
	ended := m.now()
	run.session.EndedAt = &ended
	if m.active == run {
		m.active = nil
	}
	m.mu.Unlock()

	if run.cancel != nil {
		run.cancel()
	}
	if emergency {
		run.pool.EmergencyStop()
	} else {
		run.pool.Stop()
	}
	run.coll.Stop()
	if run.done != nil {
		<-run.done
	}

	stats := run.coll.Snapshot(m.selector.Stats(), 0)
	m.mu.Lock()
	run.session.Stats = &stats
	m.mu.Unlock()
	m.persistNow()

	errStats := run.handler.Stats()
	log.Info().
		Str("sessionID", run.session.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Int64("requests", stats.TotalRequests).
		Int64("errors", errStats.Total).
		Msg("load test finished")
}

// watch persists live stats and enforces the session duration.
func (m *Manager) watch(ctx context.Context, run *activeRun) {
	defer close(run.done)
	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()

	duration := time.Duration(run.session.Config.DurationMinutes) * time.Minute
	if m.durationOverride > 0 {
		duration = m.durationOverride
	}
	deadline := run.session.StartedAt.Add(duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := run.coll.Snapshot(m.selector.Stats(), run.pool.ActiveWorkers())
			m.mu.Lock()
			if !run.session.Status.Finished() {
				run.session.Stats = &stats
			}
			m.mu.Unlock()
			m.persist()

			if m.now().After(deadline) {
				// finish waits on run.done, so completion must come
				// from outside the watch goroutine.
				go m.finish(run, SessionCompleted, "duration elapsed", false)
				return
			}
		}
	}
}

// persist writes the session set through the store off the hot path.
func (m *Manager) persist() {
	snapshot := m.snapshotSessions()
	persistAsync("sessions", func() error {
		return m.store.SaveSessions(snapshot)
	})
}

// persistNow writes the session set before returning. Finished
// sessions take this path so their final record is on disk even when
// the process exits right after the stop.
func (m *Manager) persistNow() {
	if err := m.store.SaveSessions(m.snapshotSessions()); err != nil {
		log.Error().Err(err).Msg("persisting sessions")
	}
}

func (m *Manager) snapshotSessions() map[string]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		copied := *s
		snapshot[id] = &copied
	}
	return snapshot
}

// Session returns the session with the given ID.
func (m *Manager) Session(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	copied := *s
	return &copied, nil
}

// Active returns the running session, or nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	copied := *m.active.session
	return &copied
}

// ActiveBreakerStates returns the active session's per-endpoint
// circuit breaker states, or nil when idle.
func (m *Manager) ActiveBreakerStates() map[string]BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	return m.active.handler.BreakerStates()
}

// ActivePool returns the running session's worker pool, or nil.
func (m *Manager) ActivePool() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	return m.active.pool
}

// Sessions returns every known session, newest first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// DeleteSession removes a finished session and its collector.
func (m *Manager) DeleteSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if !s.Status.Finished() {
		m.mu.Unlock()
		return fmt.Errorf("session %s is still running", sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.registry.Remove(sessionID)
	m.persist()
	return nil
}

// CleanupOlderThan removes finished sessions that ended more than age
// ago, returning how many were removed.
func (m *Manager) CleanupOlderThan(age time.Duration) int {
	cutoff := m.now().Add(-age)

	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		if s.Status.Finished() && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.registry.Remove(id)
	}
	if len(removed) > 0 {
		m.persist()
		log.Info().Int("sessions", len(removed)).Msg("cleaned up old sessions")
	}
	return len(removed)
}

// HandleAdjustment routes a monitor adjustment to the active session.
func (m *Manager) HandleAdjustment(action AdjustmentAction, alert Alert) {
	if action == AdjustEmergencyStop {
		m.EmergencyStop(fmt.Sprintf("%s usage emergency (%.1f)", alert.Resource, alert.Value))
		return
	}

	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil {
		return
	}
	run.pool.HandleAdjustment(action)
}
