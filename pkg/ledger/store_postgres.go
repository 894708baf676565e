package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists records in Postgres for deployments where the
// audit chain outlives the host process.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with a lib/pq connection string and migrates
// the record table.
func OpenPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing database handle without migrating.
// Used with sqlmock in tests.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ticks restart at 1 for every run, so records are keyed by
// (run_id, tick). seq orders runs by arrival; Load returns the most
// recent one.
func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		seq BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		tick BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		patch JSONB NOT NULL,
		status_changes JSONB,
		events JSONB NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE (run_id, tick)
	);`
	_, err := s.db.Exec(query)
	return err
}

func (s *PostgresStore) Append(record Record) error {
	patch, statusChanges, events, err := encodeColumns(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_records (run_id, tick, timestamp, patch, status_changes, events, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.RunID, record.Tick, record.Timestamp.UTC(),
		patch, statusChanges, events, record.PrevHash, record.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record %d: %w", record.Tick, err)
	}
	return nil
}

// Load returns the most recent run's records in tick order.
func (s *PostgresStore) Load() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT run_id, tick, timestamp, patch, status_changes, events, prev_hash, hash
		 FROM audit_records
		 WHERE run_id = (SELECT run_id FROM audit_records ORDER BY seq DESC LIMIT 1)
		 ORDER BY tick ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPostgresRecords(rows)
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPostgresRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			record        Record
			timestamp     time.Time
			patch         []byte
			statusChanges sql.NullString
			events        []byte
		)
		if err := rows.Scan(&record.RunID, &record.Tick, &timestamp, &patch, &statusChanges, &events, &record.PrevHash, &record.Hash); err != nil {
			return nil, err
		}
		record.Timestamp = timestamp.UTC()
		if err := decodeColumns(&record, string(patch), statusChanges, string(events)); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
