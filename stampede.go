// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/loadtools/stampede/api"
	"github.com/loadtools/stampede/internal"
)

func main() {
	usage := `
Usage: stampede -config <ConfigFileLocation> [options...]

Options:
  -loglevel Logging level. Default is 'WARN' (2). 0 is DEBUG, 1 INFO, up to 4 FATAL
  -serve    Run as a long-lived service driven by persisted schedules instead of
            starting the configured test immediately
  -data     Directory for persisted sessions and schedules, overrides
            STAMPEDE_DATA_DIR
  -metrics  Address for the Prometheus /metrics listener, overrides
            STAMPEDE_METRICS_ADDR
  -help     This usage message

Environment:
  STAMPEDE_DATA_DIR      Directory for persisted sessions and schedules (default .stampede)
  STAMPEDE_METRICS_ADDR  Address for the Prometheus /metrics listener (disabled when empty)
  STAMPEDE_LOG_LEVEL     Log level name, overridden by -loglevel when provided`

	configFile := flag.String("config", "", "path and filename containing the runtime configuration")
	logLevel := flag.Int("loglevel", int(zerolog.WarnLevel), "log level, 0 for debug, 1 info, 2 warn, ...")
	serve := flag.Bool("serve", false, "run as a schedule-driven service instead of a one-shot test")
	dataDir := flag.String("data", "", "directory for persisted sessions and schedules")
	metricsAddr := flag.String("metrics", "", "address for the Prometheus /metrics listener")
	help := flag.Bool("help", false, "help will emit detailed usage instructions and exit")
	flag.Parse()

	if *help {
		fmt.Println(usage)
		return
	}

	if *configFile == "" {
		fmt.Println("Config file location not provided")
		fmt.Println(usage)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.Level(*logLevel))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	log.Info().Msgf("stampede started with config from %s", *configFile)

	settings, err := internal.LoadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading settings")
	}
	if *dataDir != "" {
		settings.DataDir = *dataDir
	}
	if *metricsAddr != "" {
		settings.MetricsAddr = *metricsAddr
	}
	config, err := internal.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	engine, err := internal.NewEngine(config, settings)
	if err != nil {
		log.Fatal().Err(err).Msg("error building engine")
	}
	engine.Start()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	if *serve {
		runService(engine, sigs)
		return
	}
	runOnce(engine, config.Test, sigs)
}

// runService keeps the engine alive for scheduled tests until a
// signal arrives.
func runService(engine *internal.Engine, sigs chan os.Signal) {
	<-sigs
	log.Debug().Msg("stampede: signal caught")
	engine.Shutdown()
	log.Info().Msg("stampede: DONE")
}

// runOnce starts the configured test, renders a progress bar for its
// duration and prints the final summary. A first signal stops the
// test gracefully; a second one aborts it.
func runOnce(engine *internal.Engine, cfg api.TestConfig, sigs chan os.Signal) {
	session, err := engine.Manager.StartTest(cfg)
	if err != nil {
		engine.Shutdown()
		log.Fatal().Err(err).Msg("error starting load test")
	}

	total := int64(cfg.DurationMinutes) * 60
	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(cfg.SessionName+" "),
			decor.Elapsed(decor.ET_STYLE_GO),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	interrupted := false

loop:
	for {
		select {
		case <-sigs:
			if interrupted {
				log.Warn().Msg("stampede: second signal, aborting")
				engine.Manager.EmergencyStop("terminated by signal")
				break loop
			}
			interrupted = true
			log.Info().Msg("stampede: signal caught, stopping test")
			if err := engine.Manager.StopTest(session.ID); err != nil {
				log.Error().Err(err).Msg("stopping test")
			}
			break loop
		case <-ticker.C:
			bar.Increment()
			if current, err := engine.Manager.Session(session.ID); err == nil && current.Status.Finished() {
				bar.SetTotal(total, true)
				break loop
			}
		}
	}
	bar.SetTotal(total, true)
	progress.Wait()

	final, err := engine.Manager.Session(session.ID)
	engine.Shutdown()
	if err != nil {
		log.Fatal().Err(err).Msg("error fetching final session")
	}
	printSummary(final)
}

// printSummary renders the session outcome and per-endpoint table.
func printSummary(session *internal.Session) {
	header := color.New(color.FgCyan, color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	statusColor := good
	if session.Status != internal.SessionCompleted {
		statusColor = bad
	}

	fmt.Println()
	header.Printf("Load test %q\n", session.Name)
	fmt.Printf("Status:   %s", statusColor.Sprint(session.Status))
	if session.StopReason != "" {
		fmt.Printf(" (%s)", session.StopReason)
	}
	fmt.Println()
	if session.EndedAt != nil {
		fmt.Printf("Duration: %s\n", session.EndedAt.Sub(session.StartedAt).Round(time.Second))
	}

	stats := session.Stats
	if stats == nil || stats.TotalRequests == 0 {
		fmt.Println("No requests were made")
		return
	}

	fmt.Printf("Requests: %d total, %s ok, %s failed (%.1f%% success)\n",
		stats.TotalRequests,
		good.Sprintf("%d", stats.SuccessfulRequests),
		bad.Sprintf("%d", stats.FailedRequests),
		stats.SuccessRate()*100)
	fmt.Printf("Latency:  avg %s, p50 %s, p95 %s, p99 %s, max %s\n",
		stats.AverageResponseTime().Round(time.Millisecond),
		stats.P50.Round(time.Millisecond),
		stats.P95.Round(time.Millisecond),
		stats.P99.Round(time.Millisecond),
		stats.MaxDuration.Round(time.Millisecond))
	fmt.Printf("Rate:     peak %.1f req/s\n", stats.PeakRPS)

	if len(stats.Endpoints) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Endpoint", "Requests", "Success", "Avg", "Min", "Max"})
	for _, ep := range stats.Endpoints {
		if ep.TotalRequests == 0 {
			continue
		}
		t.AppendRow(table.Row{
			ep.Name,
			ep.TotalRequests,
			fmt.Sprintf("%.1f%%", ep.SuccessRate()*100),
			ep.AverageResponseTime().Round(time.Millisecond),
			ep.MinDuration.Round(time.Millisecond),
			ep.MaxDuration.Round(time.Millisecond),
		})
	}
	t.SortBy([]table.SortBy{{Name: "Endpoint", Mode: table.Asc}})
	t.SetStyle(table.StyleLight)
	t.Render()
}
