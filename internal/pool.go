// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// WorkerState tracks a worker's lifecycle.
type WorkerState string

const (
	WorkerRunning WorkerState = "running"
	WorkerPaused  WorkerState = "paused"
	WorkerStopped WorkerState = "stopped"
	WorkerError   WorkerState = "error"
)

// WorkerStats is one worker's counters at snapshot time.
type WorkerStats struct {
	ID       int         `json:"id"`
	State    WorkerState `json:"state"`
	Requests int64       `json:"requests"`
	Errors   int64       `json:"errors"`
}

const (
	// poolManageInterval is how often the pool reconciles worker count
	// and restarts failed workers
	poolManageInterval = 5 * time.Second
	// minThrottleFactor floors the request rate scale-down
	minThrottleFactor = 0.1
	pauseCheckEvery   = 500 * time.Millisecond
)

type worker struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    WorkerState
	requests int64
	errors   int64
	// recent holds this worker's error timestamps for self-throttling
	recent []time.Time
}

func (w *worker) snapshot() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{ID: w.id, State: w.state, Requests: w.requests, Errors: w.errors}
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// recordOutcome updates the worker's counters and reports whether the
// worker has blown its per-minute error budget.
func (w *worker) recordOutcome(success bool, maxErrorsPerMinute int, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.requests++
	if success {
		return false
	}
	w.errors++
	w.recent = append(w.recent, now)

	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.recent) && w.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.recent = w.recent[i:]
	}
	return len(w.recent) >= maxErrorsPerMinute
}

// Pool runs the session's workers. Each worker loops selecting an
// endpoint, issuing a timed request and sleeping a randomized
// interval. The pool reconciles worker count against the target every
// few seconds and exposes the load adjustment knobs the monitor and
// error handler drive.
type Pool struct {
	cfg      api.TestConfig
	selector *Selector
	client   *Client
	coll     *Collector
	handler  *Handler

	// onFatal is invoked at most once, when a worker or adjustment
	// decides the whole session must stop
	onFatal   func(Action)
	fatalOnce sync.Once

	// onResult, when set, receives every finished request
	onResult func(RequestResult)

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	target   int
	throttle float64
	paused   bool
	stopping bool

	// loopCtx governs worker loops (graceful stop); reqCtx governs
	// in-flight requests (emergency stop cancels both)
	loopCtx    context.Context
	loopCancel context.CancelFunc
	reqCtx     context.Context
	reqCancel  context.CancelFunc

	manageDone chan struct{}
	wg         sync.WaitGroup
}

// NewPool returns a Pool for one session. onFatal is called when the
// pool decides the session must stop; it must not block.
func NewPool(cfg api.TestConfig, selector *Selector, client *Client, coll *Collector, handler *Handler, onFatal func(Action)) *Pool {
	return &Pool{
		cfg:      cfg,
		selector: selector,
		client:   client,
		coll:     coll,
		handler:  handler,
		onFatal:  onFatal,
		workers:  make(map[int]*worker),
		target:   cfg.ConcurrentUsers,
		throttle: 1.0,
	}
}

// SetResultHook registers a per-request observer. Must be called
// before Start.
func (p *Pool) SetResultHook(fn func(RequestResult)) {
	p.onResult = fn
}

// Start spawns the initial workers and the management loop.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loopCtx != nil {
		return fmt.Errorf("pool already started")
	}
	p.reqCtx, p.reqCancel = context.WithCancel(context.Background())
	p.loopCtx, p.loopCancel = context.WithCancel(p.reqCtx)
	p.manageDone = make(chan struct{})

	for i := 0; i < p.target; i++ {
		p.spawnLocked()
	}

	go p.manage()
	log.Info().Int("workers", p.target).Msg("worker pool started")
	return nil
}

// Stop halts the pool gracefully: workers finish their in-flight
// request, then exit. Blocks until every worker has stopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.loopCancel == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.loopCancel()
	manageDone := p.manageDone
	p.mu.Unlock()

	<-manageDone
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// EmergencyStop aborts in-flight requests and stops every worker
// without waiting for graceful completion of their current request.
func (p *Pool) EmergencyStop() {
	p.mu.Lock()
	if p.reqCancel == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.reqCancel()
	manageDone := p.manageDone
	p.mu.Unlock()

	<-manageDone
	p.wg.Wait()
	log.Warn().Msg("worker pool emergency stopped")
}

// Pause suspends all workers after their in-flight request.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	log.Info().Msg("worker pool paused")
}

// Resume lets paused workers continue.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	log.Info().Msg("worker pool resumed")
}

// AdjustWorkers changes the target worker count. The management loop
// converges the actual count within its next cycle.
func (p *Pool) AdjustWorkers(n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if n > api.MaxConcurrentUsers {
		return fmt.Errorf("worker count cannot exceed %d", api.MaxConcurrentUsers)
	}
	p.mu.Lock()
	p.target = n
	p.mu.Unlock()
	log.Info().Int("target", n).Msg("worker target adjusted")
	return nil
}

// HandleAdjustment applies a load adjustment requested by the
// resource monitor.
func (p *Pool) HandleAdjustment(action AdjustmentAction) {
	switch action {
	case AdjustThrottle:
		p.throttleDown()
	case AdjustReduceWorkers:
		p.mu.Lock()
		n := p.target - p.target/4
		if n < 1 {
			n = 1
		}
		p.target = n
		p.mu.Unlock()
		log.Warn().Int("target", n).Msg("reducing workers")
	case AdjustPauseTest:
		p.Pause()
	case AdjustEmergencyStop:
		p.fatal(ActionEmergencyStop)
	}
}

// throttleDown scales the request rate to 80%, flooring at 10%.
func (p *Pool) throttleDown() {
	p.mu.Lock()
	p.throttle *= 0.8
	if p.throttle < minThrottleFactor {
		p.throttle = minThrottleFactor
	}
	f := p.throttle
	p.mu.Unlock()
	log.Warn().Float64("factor", f).Msg("throttling request rate")
}

// ThrottleFactor returns the current request rate scale in (0, 1].
func (p *Pool) ThrottleFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttle
}

// ActiveWorkers returns the number of workers currently running or
// paused.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	for _, w := range p.workers {
		st := w.snapshot().State
		if st == WorkerRunning || st == WorkerPaused {
			n++
		}
	}
	return n
}

// WorkerSnapshots returns per-worker counters.
func (p *Pool) WorkerSnapshots() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// fatal reports a session-stopping action exactly once.
func (p *Pool) fatal(action Action) {
	p.fatalOnce.Do(func() {
		if p.onFatal != nil {
			go p.onFatal(action)
		}
	})
}

// manage reconciles worker count against the target and replaces
// failed workers until the pool stops.
func (p *Pool) manage() {
	defer close(p.manageDone)
	ticker := time.NewTicker(poolManageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C:
			p.reconcile()
		}
	}
}

func (p *Pool) reconcile() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return
	}

	// Drop finished workers; replace ones that died on a panic.
	var running []*worker
	for id, w := range p.workers {
		switch w.snapshot().State {
		case WorkerStopped:
			delete(p.workers, id)
		case WorkerError:
			delete(p.workers, id)
			log.Warn().Int("workerID", id).Msg("restarting failed worker")
		default:
			running = append(running, w)
		}
	}

	for len(running) < p.target {
		running = append(running, p.spawnLocked())
	}
	if len(running) > p.target {
		for _, w := range running[p.target:] {
			w.cancel()
			w.setState(WorkerStopped)
		}
	}
}

// spawnLocked starts one worker. Caller holds the mutex.
func (p *Pool) spawnLocked() *worker {
	p.nextID++
	ctx, cancel := context.WithCancel(p.loopCtx)
	w := &worker{
		id:     p.nextID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  WorkerRunning,
	}
	p.workers[w.id] = w

	p.wg.Add(1)
	go p.run(ctx, w)
	return w
}

// run is one worker's request loop.
func (p *Pool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.setState(WorkerError)
			log.Error().Int("workerID", w.id).Interface("panic", r).Msg("worker panicked")
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w.id)))

	for {
		select {
		case <-ctx.Done():
			w.setState(WorkerStopped)
			return
		default:
		}

		if p.isPaused() {
			w.setState(WorkerPaused)
			if !sleepCtx(ctx, pauseCheckEvery) {
				w.setState(WorkerStopped)
				return
			}
			continue
		}
		w.setState(WorkerRunning)

		if !p.handler.ShouldContinue() {
			log.Error().Msg("session error budget exhausted")
			p.fatal(ActionStopTest)
			w.setState(WorkerStopped)
			return
		}

		ep, err := p.selector.Select()
		if err != nil {
			// Nothing selectable right now; wait rather than spin.
			if !sleepCtx(ctx, time.Second) {
				w.setState(WorkerStopped)
				return
			}
			continue
		}

		res, action := p.client.Do(p.requestContext(), ep, w.id)
		if p.onResult != nil && res.Err != ErrCircuitOpen {
			p.onResult(res)
		}
		if res.Err != ErrCircuitOpen {
			success := res.Success()
			errCode := ""
			if !success {
				errCode = res.ErrCode()
			}
			p.coll.Record(success, res.Duration, errCode)
			p.selector.RecordOutcome(ep.Name, success, res.Duration, res.StartedAt)

			if w.recordOutcome(success, p.cfg.MaxErrorsPerMinute, time.Now()) {
				// This worker alone is erroring too fast; skip an
				// extra interval without punishing the rest of the
				// pool.
				if !sleepCtx(ctx, p.interval(rng)) {
					w.setState(WorkerStopped)
					return
				}
			}
		}

		switch action {
		case ActionThrottle:
			p.throttleDown()
		case ActionStopWorker:
			log.Warn().Int("workerID", w.id).Msg("stopping worker")
			w.setState(WorkerStopped)
			return
		case ActionStopTest:
			p.fatal(ActionStopTest)
			w.setState(WorkerStopped)
			return
		case ActionEmergencyStop:
			p.fatal(ActionEmergencyStop)
			w.setState(WorkerStopped)
			return
		case ActionRetry:
			if !sleepCtx(ctx, Backoff(1)) {
				w.setState(WorkerStopped)
				return
			}
		}

		if !sleepCtx(ctx, p.interval(rng)) {
			w.setState(WorkerStopped)
			return
		}
	}
}

func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) requestContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqCtx
}

// interval returns the next randomized sleep, stretched by the
// throttle factor.
func (p *Pool) interval(rng *rand.Rand) time.Duration {
	min := p.cfg.IntervalMin()
	max := p.cfg.IntervalMax()
	if max <= min {
		max = min + time.Second
	}
	d := min + time.Duration(rng.Int63n(int64(max-min)))

	p.mu.Lock()
	f := p.throttle
	p.mu.Unlock()
	if f <= 0 {
		f = minThrottleFactor
	}
	return time.Duration(float64(d) / f)
}

// sleepCtx sleeps for d unless ctx is canceled first. Returns false
// when the sleep was interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
