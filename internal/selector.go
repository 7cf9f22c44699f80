// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// Selector picks endpoints for each request using weighted random
// selection. Weight and enablement changes take effect immediately and
// are persisted through the store when one is attached.
type Selector struct {
	mu sync.Mutex

	endpoints []api.Endpoint
	stats     map[string]*api.EndpointStats
	rng       *rand.Rand
	store     *Store
}

// NewSelector returns a Selector over the given endpoint catalog,
// applying any persisted overrides from store. A nil store disables
// persistence.
func NewSelector(endpoints []api.Endpoint, store *Store) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint catalog is empty")
	}

	s := &Selector{
		endpoints: make([]api.Endpoint, len(endpoints)),
		stats:     make(map[string]*api.EndpointStats, len(endpoints)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		store:     store,
	}
	copy(s.endpoints, endpoints)
	for _, ep := range s.endpoints {
		s.stats[ep.Name] = &api.EndpointStats{Name: ep.Name}
	}

	if store != nil {
		overrides, err := store.LoadEndpointOverrides()
		if err != nil {
			return nil, err
		}
		for i := range s.endpoints {
			if ov, ok := overrides[s.endpoints[i].Name]; ok {
				s.endpoints[i].Weight = ov.Weight
				s.endpoints[i].Enabled = ov.Enabled
			}
		}
	}
	return s, nil
}

// Select returns one enabled endpoint, chosen with probability
// proportional to its weight. Returns an error when every endpoint is
// disabled or all enabled weights are zero.
func (s *Selector) Select() (api.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, ep := range s.endpoints {
		if ep.Enabled && ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total <= 0 {
		return api.Endpoint{}, fmt.Errorf("no enabled endpoints with positive weight")
	}

	target := s.rng.Float64() * total
	for _, ep := range s.endpoints {
		if !ep.Enabled || ep.Weight <= 0 {
			continue
		}
		target -= ep.Weight
		if target < 0 {
			return ep, nil
		}
	}
	// Floating point residue can leave target at ~0 after the loop.
	for i := len(s.endpoints) - 1; i >= 0; i-- {
		if s.endpoints[i].Enabled && s.endpoints[i].Weight > 0 {
			return s.endpoints[i], nil
		}
	}
	return api.Endpoint{}, fmt.Errorf("no enabled endpoints with positive weight")
}

// UpdateWeights sets new weights by endpoint name. Unknown names are
// ignored; negative weights are rejected.
func (s *Selector) UpdateWeights(weights map[string]float64) error {
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("weight for %s cannot be negative", name)
		}
	}

	s.mu.Lock()
	for i := range s.endpoints {
		if w, ok := weights[s.endpoints[i].Name]; ok {
			s.endpoints[i].Weight = w
		}
	}
	s.mu.Unlock()

	log.Debug().Int("updated", len(weights)).Msg("endpoint weights updated")
	return s.persist()
}

// SetEnabled enables or disables the named endpoint.
func (s *Selector) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	found := false
	for i := range s.endpoints {
		if s.endpoints[i].Name == name {
			s.endpoints[i].Enabled = enabled
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("unknown endpoint %s", name)
	}
	return s.persist()
}

// RecordOutcome folds one finished request into the endpoint's stats.
func (s *Selector) RecordOutcome(name string, success bool, duration time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[name]
	if !ok {
		return
	}
	st.TotalRequests++
	if success {
		st.SuccessfulRequests++
		st.TotalDuration += duration
		if st.MinDuration == 0 || duration < st.MinDuration {
			st.MinDuration = duration
		}
		if duration > st.MaxDuration {
			st.MaxDuration = duration
		}
	} else {
		st.FailedRequests++
	}
	st.LastRequestAt = at
}

// Stats returns a copy of per-endpoint outcome stats keyed by name.
func (s *Selector) Stats() map[string]api.EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]api.EndpointStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// Endpoints returns a copy of the current endpoint catalog.
func (s *Selector) Endpoints() []api.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Endpoint looks up one endpoint by name.
func (s *Selector) Endpoint(name string) (api.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range s.endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return api.Endpoint{}, false
}

func (s *Selector) persist() error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	overrides := make(map[string]EndpointOverride, len(s.endpoints))
	for _, ep := range s.endpoints {
		overrides[ep.Name] = EndpointOverride{Weight: ep.Weight, Enabled: ep.Enabled}
	}
	s.mu.Unlock()

	return s.store.SaveEndpointOverrides(overrides)
}
