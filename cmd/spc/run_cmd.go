package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/observability"
)

// runRunCmd implements `spc run`: load a document and tick until stopped,
// drained, or interrupted. Stop requests land at tick boundaries; a tick
// in progress always completes, so the ledger never ends mid-record.
//
// Exit codes:
//
//	0 = run completed (drained or stopped)
//	1 = run failed
//	2 = usage or setup error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		docPath    string
		configPath string
		ticks      uint64
	)
	cmd.StringVar(&docPath, "doc", "", "Path to SPC document JSON (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config profile")
	cmd.Uint64Var(&ticks, "ticks", 0, "Stop after this many ticks (0 = until drained)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if docPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --doc is required")
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)

	doc, err := loadDocument(docPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	engine, closer, err := buildEngine(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closer()

	if err := engine.Load(doc); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load: %v\n", err)
		return 2
	}
	engine.WithMaxTicks(ticks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "spc-kernel",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryEnabled && cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("stop requested")
		engine.Stop()
	}()

	// The subscription closes when the run ends; wait for the drain so
	// the timeline is complete before the summary prints.
	timeline := observability.NewEventTimeline()
	results := engine.Subscribe()
	var observed sync.WaitGroup
	observed.Add(1)
	go func() {
		defer observed.Done()
		for res := range results {
			timeline.Observe(res.Tick, res.Record.Hash, res.Events)
			telemetry.ObserveTick(ctx, res.Tick, countErrors(res.Events))
			telemetry.RecordRunningDelta(ctx, runningDelta(res.Record.StatusChanges))
		}
	}()

	if err := engine.Start(ctx); err != nil && err != context.Canceled {
		_, _ = fmt.Fprintf(stderr, "Error: run: %v\n", err)
		return 1
	}
	observed.Wait()

	led := engine.Ledger()
	_, _ = fmt.Fprintf(stdout, "Run %s complete: %d ticks, ledger head %s\n",
		engine.RunID(), led.Length(), led.Head())
	for level, n := range timeline.CountByLevel() {
		_, _ = fmt.Fprintf(stdout, "  events[%s]: %d\n", level, n)
	}
	return 0
}

func countErrors(events []contracts.Event) int {
	n := 0
	for _, e := range events {
		if e.Level == contracts.LevelError {
			n++
		}
	}
	return n
}

func runningDelta(statusChanges map[string]string) int {
	delta := 0
	for _, status := range statusChanges {
		if status == "running" {
			delta++
		} else {
			delta--
		}
	}
	return delta
}
