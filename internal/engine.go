// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// Settings is the environment-driven runtime configuration. A .env
// file in the working directory is honored when present.
type Settings struct {
	// DataDir is where sessions, schedules and endpoint overrides are
	// persisted
	DataDir string `env:"STAMPEDE_DATA_DIR" envDefault:".stampede"`
	// MetricsAddr, when non-empty, serves Prometheus metrics there
	MetricsAddr string `env:"STAMPEDE_METRICS_ADDR" envDefault:""`
	// LogLevel is the zerolog level name
	LogLevel string `env:"STAMPEDE_LOG_LEVEL" envDefault:"info"`
}

// LoadSettings reads the environment (and an optional .env file).
func LoadSettings() (Settings, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parsing environment: %w", err)
	}
	return s, nil
}

// LoadConfig reads and validates the JSON configuration file. Unknown
// fields are rejected: a typoed knob silently falling back to its
// default is worse than a startup error.
func LoadConfig(path string) (api.Config, error) {
	var cfg api.Config

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Engine wires the load test machinery together: store, selector,
// monitor, manager, scheduler and metrics.
type Engine struct {
	Store     *Store
	Selector  *Selector
	Monitor   *Monitor
	Registry  *Registry
	Manager   *Manager
	Scheduler *Scheduler
	Metrics   *Metrics

	metricsSrv *http.Server
}

// NewEngine builds a fully wired Engine from the configuration.
func NewEngine(cfg api.Config, settings Settings) (*Engine, error) {
	store, err := NewStore(settings.DataDir)
	if err != nil {
		return nil, err
	}

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = api.DefaultEndpoints(cfg.TargetURL)
	}
	selector, err := NewSelector(endpoints, store)
	if err != nil {
		return nil, err
	}

	thresholds := api.DefaultThresholds()
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}
	monitor := NewMonitor(thresholds, cfg.MaxConnections)

	breaker := api.DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}

	registry := NewRegistry()
	manager, err := NewManager(store, registry, selector, monitor, breaker)
	if err != nil {
		return nil, err
	}
	monitor.OnAdjustment(manager.HandleAdjustment)

	scheduler, err := NewScheduler(store, manager)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Store:     store,
		Selector:  selector,
		Monitor:   monitor,
		Registry:  registry,
		Manager:   manager,
		Scheduler: scheduler,
	}

	if settings.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		e.Metrics = NewMetrics(reg)
		manager.SetResultHook(e.Metrics.ObserveRequest)
		manager.SetErrorHook(e.Metrics.ObserveError)
		monitor.OnSample(func(u Usage) {
			e.Metrics.ObserveUsage(u)
			e.Metrics.SetInFlight(monitor.InFlight())
			if pool := manager.ActivePool(); pool != nil {
				e.Metrics.SetWorkers(pool.ActiveWorkers())
				e.Metrics.SetThrottle(pool.ThrottleFactor())
			} else {
				e.Metrics.SetWorkers(0)
				e.Metrics.SetThrottle(1)
			}
			for ep, st := range manager.ActiveBreakerStates() {
				e.Metrics.SetBreaker(ep, st)
			}
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		e.metricsSrv = &http.Server{Addr: settings.MetricsAddr, Handler: mux}
	}

	return e, nil
}

// sessionRetention is how long finished sessions are kept.
const sessionRetention = 30 * 24 * time.Hour

// Start brings up the background loops and, when configured, the
// metrics listener.
func (e *Engine) Start() {
	e.Manager.CleanupOlderThan(sessionRetention)
	e.Monitor.Start()
	e.Scheduler.Start()

	if e.metricsSrv != nil {
		go func() {
			log.Info().Str("addr", e.metricsSrv.Addr).Msg("metrics listener started")
			if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}
}

// Shutdown stops the active session (if any) gracefully, then the
// background loops.
func (e *Engine) Shutdown() {
	if active := e.Manager.Active(); active != nil {
		if err := e.Manager.StopTest(active.ID); err != nil {
			log.Error().Err(err).Msg("stopping active session")
		}
	}
	e.Scheduler.Stop()
	e.Monitor.Stop()

	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.metricsSrv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutting down metrics listener")
		}
	}
}

// EmergencyShutdown aborts everything immediately.
func (e *Engine) EmergencyShutdown() {
	e.Manager.EmergencyStop("terminated by signal")
	e.Scheduler.Stop()
	e.Monitor.Stop()
	if e.metricsSrv != nil {
		e.metricsSrv.Close()
	}
}
