// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"sync"
	"time"

	"github.com/loadtools/stampede/api"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed passes requests through and counts failures
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects all requests until the recovery timeout
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits exactly one trial request
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a per-endpoint circuit breaker. Consecutive failures open
// it; after the recovery timeout one trial request is let through, and
// its outcome decides whether the breaker closes again or re-opens.
type Breaker struct {
	mu sync.Mutex

	cfg api.BreakerConfig
	now func() time.Time

	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker returns a closed breaker with the given configuration.
func NewBreaker(cfg api.BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = api.DefaultBreakerConfig()
	}
	return &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// Allow reports whether a request may proceed. In the half-open state
// only a single trial request is admitted until its outcome is
// reported via OnSuccess or OnFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout() {
			b.state = BreakerHalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// OnSuccess records a successful request. A half-open trial success
// closes the breaker and resets the failure count.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	b.state = BreakerClosed
}

// OnFailure records a failed request. Reaching the failure threshold
// while closed, or any half-open trial failure, opens the breaker.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.trialInFlight = false
		b.failures = b.cfg.FailureThreshold
	case BreakerOpen:
		// already open, nothing to count
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.trialInFlight = false
}
