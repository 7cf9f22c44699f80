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
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// TaskStatus is a scheduled task's lifecycle state.
type TaskStatus string

const (
	// TaskPending is armed and waiting for its next execution time.
	TaskPending TaskStatus = "pending"
	// TaskActive is in the middle of triggering its test.
	TaskActive TaskStatus = "active"
	// TaskCompleted has no executions left.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed could not start its most recent test. A task in the
	// rotation returns to pending on its next successful trigger.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled was removed by an operator.
	TaskCancelled TaskStatus = "cancelled"
	// TaskPaused is disabled and will not fire until re-enabled.
	TaskPaused TaskStatus = "paused"
)

// Task is one scheduled load test, persisted across restarts.
type Task struct {
	ID     string             `json:"id"`
	Config api.ScheduleConfig `json:"config"`
	Status TaskStatus         `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
	// ExecutionCount is how many times the task has fired
	ExecutionCount int `json:"execution_count"`
	// LastError records the most recent trigger failure, cleared on
	// the next successful trigger
	LastError string `json:"last_error,omitempty"`
}

// TestRunner starts load tests on behalf of the scheduler.
type TestRunner interface {
	StartTest(cfg api.TestConfig) (*Session, error)
}

const (
	schedulerPollInterval = 30 * time.Second
	// schedulerErrorBackoff replaces the poll interval after a poll
	// that errored
	schedulerErrorBackoff = time.Minute
	// oneTimeRetention is how long spent one-time tasks linger before
	// garbage collection
	oneTimeRetention = 24 * time.Hour
)

// Scheduler triggers load tests from persisted schedules. It polls
// rather than arming timers so schedule edits and restarts need no
// special handling.
type Scheduler struct {
	mu sync.Mutex

	store  *Store
	runner TestRunner
	tasks  map[string]*Task

	poll time.Duration
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler loads persisted tasks from store. runner is invoked to
// start each triggered test.
func NewScheduler(store *Store, runner TestRunner) (*Scheduler, error) {
	tasks, err := store.LoadTasks()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		// A task persisted as active was cut off mid-trigger by a
		// restart; it goes back to waiting for its slot.
		if task.Status == TaskActive || task.Status == "" {
			if task.Config.Enabled {
				task.Status = TaskPending
			} else {
				task.Status = TaskPaused
			}
		}
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		tasks:  tasks,
		poll:   schedulerPollInterval,
		now:    time.Now,
	}, nil
}

// Add validates and persists a new schedule, returning the task.
func (s *Scheduler) Add(cfg api.ScheduleConfig) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	task := &Task{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    TaskPending,
		CreatedAt: s.now(),
	}
	if !cfg.Enabled {
		task.Status = TaskPaused
	}
	next, err := s.computeNext(task)
	if err != nil {
		return nil, err
	}
	task.NextExecution = next

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return nil, err
	}
	log.Info().
		Str("taskID", task.ID).
		Str("name", cfg.Name).
		Str("type", string(cfg.Type)).
		Msg("schedule added")
	return task, nil
}

// Update replaces a schedule's configuration and recomputes its next
// execution.
func (s *Scheduler) Update(taskID string, cfg api.ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		task.Config = cfg
		if cfg.Enabled {
			task.Status = TaskPending
		} else {
			task.Status = TaskPaused
		}
		if next, err := s.computeNextLocked(task); err == nil {
			task.NextExecution = next
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown schedule %s", taskID)
	}
	return s.persist()
}

// SchedulerStatus is a rollup of the scheduler's state.
type SchedulerStatus struct {
	Tasks   int `json:"tasks"`
	Enabled int `json:"enabled"`
	// NextExecution is the soonest pending trigger across all tasks
	NextExecution *time.Time `json:"next_execution,omitempty"`
}

// Status returns a rollup of the scheduler's tasks.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status SchedulerStatus
	status.Tasks = len(s.tasks)
	for _, task := range s.tasks {
		if !task.Config.Enabled {
			continue
		}
		status.Enabled++
		if task.NextExecution == nil {
			continue
		}
		if status.NextExecution == nil || task.NextExecution.Before(*status.NextExecution) {
			next := *task.NextExecution
			status.NextExecution = &next
		}
	}
	return status
}

// Remove cancels a schedule and drops it from the rotation.
func (s *Scheduler) Remove(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		task.Status = TaskCancelled
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown schedule %s", taskID)
	}
	log.Info().Str("taskID", taskID).Msg("schedule cancelled")
	return s.persist()
}

// SetEnabled enables or disables a schedule. Re-enabling recomputes
// the next execution so a stale past due time doesn't fire instantly.
func (s *Scheduler) SetEnabled(taskID string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		task.Config.Enabled = enabled
		if enabled {
			// A completed task has nothing left to arm.
			if task.Status != TaskCompleted {
				task.Status = TaskPending
			}
			if next, err := s.computeNext(task); err == nil {
				task.NextExecution = next
			}
		} else if task.Status != TaskCompleted {
			task.Status = TaskPaused
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown schedule %s", taskID)
	}
	return s.persist()
}

// Task returns the schedule with the given ID.
func (s *Scheduler) Task(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown schedule %s", taskID)
	}
	copied := *task
	return &copied, nil
}

// Tasks returns every schedule sorted by creation time.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		copied := *task
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start begins the polling loop. Stop with Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			interval := s.poll
			if err := s.pollOnce(); err != nil {
				log.Error().Err(err).Msg("scheduler poll failed")
				interval = schedulerErrorBackoff
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	log.Info().Dur("interval", s.poll).Msg("scheduler started")
}

// Stop halts the polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// pollOnce fires due tasks, garbage collects spent one-time tasks and
// persists any changes.
func (s *Scheduler) pollOnce() error {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	changed := false
	for id, task := range s.tasks {
		// Spent one-time tasks are kept for a day so their outcome can
		// be inspected, then dropped.
		if task.Config.Type == api.ScheduleOneTime && task.ExecutionCount > 0 &&
			task.LastExecution != nil && now.Sub(*task.LastExecution) > oneTimeRetention {
			delete(s.tasks, id)
			changed = true
			continue
		}
		if !task.Config.Enabled || task.NextExecution == nil {
			continue
		}
		if !task.NextExecution.After(now) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.fire(task)
		changed = true
	}

	if changed {
		return s.persist()
	}
	return nil
}

// fire runs one due task and updates its bookkeeping.
func (s *Scheduler) fire(task *Task) {
	s.mu.Lock()
	task.Status = TaskActive
	s.mu.Unlock()

	_, err := s.runner.StartTest(task.Config.Test)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	task.LastExecution = &now
	if err != nil {
		// Typically another session is already running. The slot is
		// lost; the task keeps its place in the rotation.
		task.Status = TaskFailed
		task.LastError = err.Error()
		log.Warn().Str("taskID", task.ID).Err(err).Msg("scheduled test failed to start")
	} else {
		task.Status = TaskPending
		task.LastError = ""
		task.ExecutionCount++
		log.Info().Str("taskID", task.ID).Str("name", task.Config.Name).Msg("scheduled test started")
	}

	switch task.Config.Type {
	case api.ScheduleOneTime:
		task.Config.Enabled = false
		task.NextExecution = nil
		if err == nil {
			task.Status = TaskCompleted
		}
	case api.ScheduleRecurring:
		if task.Config.MaxExecutions > 0 && task.ExecutionCount >= task.Config.MaxExecutions {
			task.Config.Enabled = false
			task.NextExecution = nil
			task.Status = TaskCompleted
			return
		}
		next := now.Add(time.Duration(task.Config.IntervalMinutes) * time.Minute)
		task.NextExecution = &next
	case api.ScheduleCron:
		if next, err := s.computeNextLocked(task); err == nil {
			task.NextExecution = next
		}
	}
}

// computeNext returns the task's next execution time from now.
func (s *Scheduler) computeNext(task *Task) (*time.Time, error) {
	return s.computeNextLocked(task)
}

func (s *Scheduler) computeNextLocked(task *Task) (*time.Time, error) {
	now := s.now()

	switch task.Config.Type {
	case api.ScheduleOneTime:
		if task.ExecutionCount > 0 {
			return nil, nil
		}
		return task.Config.StartTime, nil
	case api.ScheduleRecurring:
		if task.Config.MaxExecutions > 0 && task.ExecutionCount >= task.Config.MaxExecutions {
			return nil, nil
		}
		next := now.Add(time.Duration(task.Config.IntervalMinutes) * time.Minute)
		return &next, nil
	case api.ScheduleCron:
		spec, err := cron.ParseStandard(task.Config.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parsing cron expression: %w", err)
		}
		next := spec.Next(now)
		return &next, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", task.Config.Type)
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	snapshot := make(map[string]*Task, len(s.tasks))
	for id, task := range s.tasks {
		copied := *task
		snapshot[id] = &copied
	}
	s.mu.Unlock()

	return s.store.SaveTasks(snapshot)
}
