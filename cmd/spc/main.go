// Command spc executes Service Primitive Configuration documents: a
// deterministic tick kernel with a hash-chained audit ledger.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tidewater-labs/spc/pkg/config"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/handlers"
	"github.com/tidewater-labs/spc/pkg/kernel"
	"github.com/tidewater-labs/spc/pkg/ledger"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "tick":
		return runTickCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	}

	_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: spc <run|tick|verify|export> [flags]")
	_, _ = fmt.Fprintln(w, "  run     execute a document until stopped or drained")
	_, _ = fmt.Fprintln(w, "  tick    execute a fixed number of ticks and export the document")
	_, _ = fmt.Fprintln(w, "  verify  verify an exported audit chain")
	_, _ = fmt.Fprintln(w, "  export  export a durable audit store as JSON")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// buildEngine assembles a kernel from runtime configuration: the default
// handler set, an optional Redis rate limiter, and an optional durable
// audit store. The returned closer releases store and client handles.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*kernel.Engine, func(), error) {
	deps := handlers.Deps{
		TickIntervalSec: float64(cfg.TickIntervalMs) / 1000,
	}

	var closers []func()
	if cfg.RedisAddr != "" {
		limiter := handlers.NewRedisLimiterStore(cfg.RedisAddr, "", 0, 5, 10)
		deps.Fetcher = handlers.NewHTTPFetcher().WithLimiter(limiter)
	}

	led := ledger.New()
	switch {
	case cfg.DatabaseURL != "":
		store, err := ledger.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres audit store: %w", err)
		}
		led = led.WithStore(store)
		closers = append(closers, func() { _ = store.Close() })
	case cfg.LedgerPath != "":
		store, err := ledger.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite audit store: %w", err)
		}
		led = led.WithStore(store)
		closers = append(closers, func() { _ = store.Close() })
	}

	engine := kernel.New(handlers.NewDefaultRegistry(deps)).
		WithLedger(led).
		WithInterval(time.Duration(cfg.TickIntervalMs) * time.Millisecond).
		WithHandlerTimeout(time.Duration(cfg.HandlerTimeoutMs) * time.Millisecond).
		WithLogger(logger)

	closer := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return engine, closer, nil
}

func loadDocument(path string) (*document.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}
	return document.Load(data)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}
