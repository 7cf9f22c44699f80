// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package internal implements the load test engine: endpoint
// selection, request execution, error handling, resource monitoring,
// statistics collection, worker pools, session management and
// scheduling.
package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store persists sessions, schedules and endpoint configuration as
// JSON files under a data directory. Writes go through a temp file
// and rename so a crash mid-write never leaves a truncated file.
type Store struct {
	mu  sync.Mutex
	dir string
}

// File names under the data directory.
const (
	sessionsFile  = "sessions.json"
	schedulesFile = "schedules.json"
	endpointsFile = "endpoints.json"
)

// NewStore creates the data directory if needed and returns a Store
// rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's data directory.
func (s *Store) Dir() string {
	return s.dir
}

// loadFile unmarshals the named JSON file into out. A missing file is
// not an error; out is left untouched.
func (s *Store) loadFile(name string, out interface{}) error {
	path := filepath.Join(s.dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// saveFile marshals v and atomically replaces the named file.
func (s *Store) saveFile(name string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// LoadSessions returns all persisted sessions keyed by session ID.
func (s *Store) LoadSessions() (map[string]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make(map[string]*Session)
	if err := s.loadFile(sessionsFile, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveSessions replaces the persisted session set.
func (s *Store) SaveSessions(sessions map[string]*Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveFile(sessionsFile, sessions)
}

// LoadTasks returns all persisted scheduler tasks keyed by task ID.
func (s *Store) LoadTasks() (map[string]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]*Task)
	if err := s.loadFile(schedulesFile, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveTasks replaces the persisted task set.
func (s *Store) SaveTasks(tasks map[string]*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveFile(schedulesFile, tasks)
}

// LoadEndpointOverrides returns persisted per-endpoint weight and
// enablement overrides keyed by endpoint name.
func (s *Store) LoadEndpointOverrides() (map[string]EndpointOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	overrides := make(map[string]EndpointOverride)
	if err := s.loadFile(endpointsFile, &overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// SaveEndpointOverrides replaces the persisted endpoint overrides.
func (s *Store) SaveEndpointOverrides(overrides map[string]EndpointOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveFile(endpointsFile, overrides)
}

// EndpointOverride captures the runtime-mutable bits of an endpoint so
// weight and enablement changes survive restarts.
type EndpointOverride struct {
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// persistAsync runs save on a goroutine, logging any failure. Used for
// best-effort persistence on hot paths where blocking on disk would
// distort request timing.
func persistAsync(what string, save func() error) {
	go func() {
		if err := save(); err != nil {
			log.Error().Err(err).Msgf("persisting %s", what)
		}
	}()
}
