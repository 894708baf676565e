package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

// runTickCmd implements `spc tick`: execute a fixed number of ticks and
// write the resulting document, including accumulated state, back out.
//
// Exit codes:
//
//	0 = ticks executed
//	1 = a tick failed
//	2 = usage or setup error
func runTickCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tick", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		docPath    string
		configPath string
		n          int
		outPath    string
	)
	cmd.StringVar(&docPath, "doc", "", "Path to SPC document JSON (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config profile")
	cmd.IntVar(&n, "n", 1, "Number of ticks to execute")
	cmd.StringVar(&outPath, "out", "", "Write resulting document here (default stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if docPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --doc is required")
		return 2
	}
	if n < 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --n must be at least 1")
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

	ctx := context.Background()
	for i := 0; i < n; i++ {
		res, err := engine.TickOnce(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: tick %d: %v\n", i+1, err)
			return 1
		}
		for _, ev := range res.Events {
			logger.Info("event",
				"tick", res.Tick, "name", ev.Name, "for", ev.For,
				"level", ev.Level, "message", ev.Message)
		}
	}

	out, err := engine.ExportDocument()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 1
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: marshal: %v\n", err)
		return 1
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write %s: %v\n", outPath, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Document written to %s\n", outPath)
		return 0
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
