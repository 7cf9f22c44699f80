// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"fmt"
	"testing"
	"time"

	"github.com/loadtools/stampede/api"
)

// fakeRunner records StartTest calls and optionally fails them.
type fakeRunner struct {
	started []api.TestConfig
	err     error
}

func (f *fakeRunner) StartTest(cfg api.TestConfig) (*Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, cfg)
	return &Session{ID: "fake", Name: cfg.SessionName, Status: SessionRunning}, nil
}

func schedulerTestConfig() api.TestConfig {
	return api.TestConfig{
		SessionName:            "scheduled run",
		ConcurrentUsers:        2,
		DurationMinutes:        5,
		RequestIntervalMinSecs: 1,
		RequestIntervalMaxSecs: 3,
		MaxErrorsPerMinute:     60,
		TimeoutSecs:            30,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeRunner, *time.Time) {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	runner := &fakeRunner{}
	s, err := NewScheduler(store, runner)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	return s, runner, &current
}

func TestAddValidatesSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	if _, err := s.Add(api.ScheduleConfig{Name: "", Type: api.ScheduleRecurring, IntervalMinutes: 5, Test: schedulerTestConfig()}); err == nil {
		t.Errorf("Add accepted a schedule without a name")
	}
	if _, err := s.Add(api.ScheduleConfig{Name: "bad cron", Type: api.ScheduleCron, CronExpr: "not a cron", Test: schedulerTestConfig()}); err == nil {
		t.Errorf("Add accepted an invalid cron expression")
	}
	past := time.Now().Add(-time.Hour)
	if _, err := s.Add(api.ScheduleConfig{Name: "past", Type: api.ScheduleOneTime, StartTime: &past, Test: schedulerTestConfig()}); err == nil {
		t.Errorf("Add accepted a one-time schedule in the past")
	}
}

func TestOneTimeScheduleFiresOnce(t *testing.T) {
	s, runner, current := newTestScheduler(t)

	start := time.Now().Add(time.Hour)
	task, err := s.Add(api.ScheduleConfig{
		Name: "once", Type: api.ScheduleOneTime, StartTime: &start,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Not due yet.
	*current = start.Add(-time.Minute)
	if err := s.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(runner.started) != 0 {
		t.Fatalf("fired before start time")
	}

	*current = start.Add(time.Minute)
	if err := s.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(runner.started) != 1 {
		t.Fatalf("started %d tests, want 1", len(runner.started))
	}

	// The spent task is disabled and never fires again.
	got, err := s.Task(task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Config.Enabled || got.NextExecution != nil || got.ExecutionCount != 1 {
		t.Errorf("spent one-time task = enabled %v, next %v, count %d", got.Config.Enabled, got.NextExecution, got.ExecutionCount)
	}
	if got.Status != TaskCompleted {
		t.Errorf("spent one-time task status = %s, want %s", got.Status, TaskCompleted)
	}
	s.pollOnce()
	if len(runner.started) != 1 {
		t.Errorf("one-time task fired twice")
	}
}

func TestOneTimeScheduleGarbageCollected(t *testing.T) {
	s, _, current := newTestScheduler(t)

	start := time.Now().Add(time.Hour)
	task, err := s.Add(api.ScheduleConfig{
		Name: "once", Type: api.ScheduleOneTime, StartTime: &start,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	*current = start.Add(time.Minute)
	if err := s.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	// Within the retention window the task is still inspectable.
	*current = current.Add(23 * time.Hour)
	s.pollOnce()
	if _, err := s.Task(task.ID); err != nil {
		t.Fatalf("task collected inside retention window: %v", err)
	}

	*current = current.Add(2 * time.Hour)
	s.pollOnce()
	if _, err := s.Task(task.ID); err == nil {
		t.Errorf("spent one-time task survived past retention")
	}
}

func TestRecurringScheduleRespectsMaxExecutions(t *testing.T) {
	s, runner, current := newTestScheduler(t)

	task, err := s.Add(api.ScheduleConfig{
		Name: "every 10m", Type: api.ScheduleRecurring,
		IntervalMinutes: 10, MaxExecutions: 2,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 5; i++ {
		*current = current.Add(15 * time.Minute)
		if err := s.pollOnce(); err != nil {
			t.Fatalf("pollOnce: %v", err)
		}
	}
	if len(runner.started) != 2 {
		t.Fatalf("started %d tests, want 2 (max executions)", len(runner.started))
	}
	got, err := s.Task(task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Config.Enabled || got.NextExecution != nil {
		t.Errorf("exhausted recurring task still enabled or scheduled")
	}
	if got.Status != TaskCompleted {
		t.Errorf("exhausted recurring task status = %s, want %s", got.Status, TaskCompleted)
	}
}

func TestCronScheduleComputesNext(t *testing.T) {
	s, _, current := newTestScheduler(t)

	// Daily at 02:30.
	task, err := s.Add(api.ScheduleConfig{
		Name: "nightly", Type: api.ScheduleCron, CronExpr: "30 2 * * *",
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	want := time.Date(2026, 8, 30, 2, 30, 0, 0, time.UTC)
	if task.NextExecution == nil || !task.NextExecution.Equal(want) {
		t.Fatalf("NextExecution = %v, want %v", task.NextExecution, want)
	}

	*current = want.Add(time.Minute)
	if err := s.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	got, err := s.Task(task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	wantNext := time.Date(2026, 8, 31, 2, 30, 0, 0, time.UTC)
	if got.NextExecution == nil || !got.NextExecution.Equal(wantNext) {
		t.Errorf("NextExecution after firing = %v, want %v", got.NextExecution, wantNext)
	}
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	s, runner, current := newTestScheduler(t)

	task, err := s.Add(api.ScheduleConfig{
		Name: "disabled", Type: api.ScheduleRecurring, IntervalMinutes: 5,
		Test: schedulerTestConfig(), Enabled: false,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if task.Status != TaskPaused {
		t.Fatalf("disabled schedule status = %s, want %s", task.Status, TaskPaused)
	}
	*current = current.Add(time.Hour)
	s.pollOnce()
	if len(runner.started) != 0 {
		t.Fatalf("disabled schedule fired")
	}

	if err := s.SetEnabled(task.ID, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if got, _ := s.Task(task.ID); got.Status != TaskPending {
		t.Fatalf("re-enabled schedule status = %s, want %s", got.Status, TaskPending)
	}
	// Re-enabling recomputed the next execution relative to now; the
	// hour of downtime does not fire immediately.
	s.pollOnce()
	if len(runner.started) != 0 {
		t.Fatalf("re-enabled schedule fired immediately")
	}
	*current = current.Add(6 * time.Minute)
	s.pollOnce()
	if len(runner.started) != 1 {
		t.Errorf("re-enabled schedule did not fire when due")
	}
}

func TestFailedTriggerRecordsError(t *testing.T) {
	s, runner, current := newTestScheduler(t)
	runner.err = fmt.Errorf("session \"other\" is already running")

	task, err := s.Add(api.ScheduleConfig{
		Name: "busy", Type: api.ScheduleRecurring, IntervalMinutes: 5,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	*current = current.Add(10 * time.Minute)
	s.pollOnce()

	got, err := s.Task(task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.LastError == "" {
		t.Errorf("LastError empty after failed trigger")
	}
	if got.ExecutionCount != 0 {
		t.Errorf("ExecutionCount = %d after failed trigger, want 0", got.ExecutionCount)
	}
	if got.Status != TaskFailed {
		t.Errorf("status after failed trigger = %s, want %s", got.Status, TaskFailed)
	}
	// The failure clears on the next successful trigger.
	runner.err = nil
	*current = current.Add(10 * time.Minute)
	s.pollOnce()
	got, _ = s.Task(task.ID)
	if got.LastError != "" || got.ExecutionCount != 1 {
		t.Errorf("after recovery: LastError = %q, count = %d; want cleared, 1", got.LastError, got.ExecutionCount)
	}
	if got.Status != TaskPending {
		t.Errorf("status after recovery = %s, want %s", got.Status, TaskPending)
	}
}

func TestUpdateSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	task, err := s.Add(api.ScheduleConfig{
		Name: "hourly", Type: api.ScheduleRecurring, IntervalMinutes: 60,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg := task.Config
	cfg.IntervalMinutes = 5
	if err := s.Update(task.ID, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Task(task.ID)
	if got.Config.IntervalMinutes != 5 {
		t.Errorf("interval after update = %d, want 5", got.Config.IntervalMinutes)
	}

	cfg.IntervalMinutes = 0
	if err := s.Update(task.ID, cfg); err == nil {
		t.Errorf("Update accepted an invalid config")
	}
	if err := s.Update("no-such-task", got.Config); err == nil {
		t.Errorf("Update on unknown task returned nil error")
	}
}

func TestSchedulerStatus(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	if got := s.Status(); got.Tasks != 0 || got.NextExecution != nil {
		t.Fatalf("empty status = %+v", got)
	}

	a, err := s.Add(api.ScheduleConfig{
		Name: "soon", Type: api.ScheduleRecurring, IntervalMinutes: 5,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(api.ScheduleConfig{
		Name: "later", Type: api.ScheduleRecurring, IntervalMinutes: 120,
		Test: schedulerTestConfig(), Enabled: true,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(api.ScheduleConfig{
		Name: "off", Type: api.ScheduleRecurring, IntervalMinutes: 1,
		Test: schedulerTestConfig(), Enabled: false,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := s.Status()
	if got.Tasks != 3 || got.Enabled != 2 {
		t.Errorf("status = %+v, want 3 tasks / 2 enabled", got)
	}
	if got.NextExecution == nil || !got.NextExecution.Equal(*mustNext(t, s, a.ID)) {
		t.Errorf("NextExecution = %v, want the 5 minute task's", got.NextExecution)
	}
}

func mustNext(t *testing.T, s *Scheduler, taskID string) *time.Time {
	t.Helper()
	task, err := s.Task(taskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	return task.NextExecution
}

func TestSchedulerPersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s, err := NewScheduler(store, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	task, err := s.Add(api.ScheduleConfig{
		Name: "persisted", Type: api.ScheduleRecurring, IntervalMinutes: 5,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A fresh scheduler over the same store sees the task.
	s2, err := NewScheduler(store, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewScheduler (reload): %v", err)
	}
	got, err := s2.Task(task.ID)
	if err != nil {
		t.Fatalf("Task after reload: %v", err)
	}
	if got.Config.Name != "persisted" || got.Config.IntervalMinutes != 5 {
		t.Errorf("reloaded task config = %+v", got.Config)
	}
	if got.NextExecution == nil {
		t.Errorf("reloaded task lost its next execution time")
	}
	if got.Status != TaskPending {
		t.Errorf("reloaded task status = %s, want %s", got.Status, TaskPending)
	}

	if err := s2.Remove(task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	s3, err := NewScheduler(store, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewScheduler (after remove): %v", err)
	}
	if _, err := s3.Task(task.ID); err == nil {
		t.Errorf("removed task still persisted")
	}
}

func TestTaskStatusSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	runner := &fakeRunner{err: fmt.Errorf("session \"other\" is already running")}
	s, err := NewScheduler(store, runner)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	current := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	task, err := s.Add(api.ScheduleConfig{
		Name: "flaky", Type: api.ScheduleRecurring, IntervalMinutes: 5,
		Test: schedulerTestConfig(), Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	current = current.Add(10 * time.Minute)
	if err := s.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	// A failed task reads back failed, not as a healthy pending one.
	s2, err := NewScheduler(store, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewScheduler (reload): %v", err)
	}
	got, err := s2.Task(task.ID)
	if err != nil {
		t.Fatalf("Task after reload: %v", err)
	}
	if got.Status != TaskFailed {
		t.Errorf("reloaded status = %s, want %s", got.Status, TaskFailed)
	}
	if got.LastError == "" {
		t.Errorf("reloaded task lost its last error")
	}
}
