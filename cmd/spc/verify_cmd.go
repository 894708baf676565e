package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tidewater-labs/spc/pkg/ledger"
)

// runVerifyCmd implements `spc verify`: recompute every hash in an
// exported audit chain from genesis and report the first break, if any.
// Verification is the auditor's tool; the kernel never runs it on its
// own ticks.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		chainPath  string
		jsonOutput bool
	)
	cmd.StringVar(&chainPath, "chain", "", "Path to exported audit chain JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if chainPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --chain is required")
		return 2
	}

	f, err := os.Open(chainPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	records, err := ledger.ReadExport(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read chain: %v\n", err)
		return 2
	}

	ok, detail := ledger.VerifyRecords(records)

	if jsonOutput {
		report := map[string]any{
			"verified": ok,
			"records":  len(records),
		}
		if !ok {
			report["detail"] = detail
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if ok {
		_, _ = fmt.Fprintf(stdout, "Audit chain intact: %d records\n", len(records))
	} else {
		_, _ = fmt.Fprintf(stdout, "Audit chain BROKEN: %s\n", detail)
	}

	if !ok {
		return 1
	}
	return 0
}
