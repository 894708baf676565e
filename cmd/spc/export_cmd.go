package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/tidewater-labs/spc/pkg/ledger"
)

// runExportCmd implements `spc export`: read a durable audit store and
// hand the serialized chain to a sink. The default sink is a local file;
// --s3-bucket switches to object storage for independent auditors.
//
// Exit codes:
//
//	0 = export written
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath  string
		databaseURL string
		name        string
		dir         string
		s3Bucket    string
		s3Region    string
		s3Prefix    string
	)
	cmd.StringVar(&ledgerPath, "ledger", "", "Path to SQLite audit store")
	cmd.StringVar(&databaseURL, "database-url", "", "Postgres audit store URL")
	cmd.StringVar(&name, "name", "audit-chain.json", "Export object name")
	cmd.StringVar(&dir, "dir", "exports", "Local export directory")
	cmd.StringVar(&s3Bucket, "s3-bucket", "", "Export to this S3 bucket instead of a local file")
	cmd.StringVar(&s3Region, "s3-region", "us-east-1", "S3 bucket region")
	cmd.StringVar(&s3Prefix, "s3-prefix", "", "S3 key prefix")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ledgerPath == "" && databaseURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: one of --ledger or --database-url is required")
		return 2
	}

	ctx := context.Background()

	store, closer, err := openStore(ledgerPath, databaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closer()

	records, err := store.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load records: %v\n", err)
		return 2
	}

	led := ledger.New()
	if err := led.Restore(records); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var sink ledger.ExportSink = ledger.FileSink{Dir: dir}
	dest := filepath.Join(dir, name)
	if s3Bucket != "" {
		s3, err := ledger.NewS3Sink(ctx, ledger.S3SinkConfig{
			Bucket: s3Bucket,
			Region: s3Region,
			Prefix: s3Prefix,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		sink = s3
		dest = fmt.Sprintf("s3://%s/%s%s", s3Bucket, s3Prefix, name)
	}

	if err := led.ExportTo(ctx, sink, name); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Exported %d records to %s\n", len(records), dest)
	return 0
}

func openStore(ledgerPath, databaseURL string) (ledger.Store, func(), error) {
	if databaseURL != "" {
		store, err := ledger.OpenPostgresStore(databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres audit store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := ledger.OpenSQLiteStore(ledgerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite audit store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
