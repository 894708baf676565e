package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists audit records durably, mirroring the in-memory chain.
type Store interface {
	// Append persists one record. Records arrive in tick order.
	Append(record Record) error

	// Load returns all persisted records in tick order.
	Load() ([]Record, error)
}

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the record table at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ticks restart at 1 for every run, so records are keyed by
// (run_id, tick). seq orders runs by arrival; Load returns the most
// recent one.
func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		patch JSON NOT NULL,
		status_changes JSON,
		events JSON NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE (run_id, tick)
	);`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Append(record Record) error {
	patch, statusChanges, events, err := encodeColumns(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_records (run_id, tick, timestamp, patch, status_changes, events, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, record.Tick, record.Timestamp.UTC().Format(time.RFC3339Nano),
		patch, statusChanges, events, record.PrevHash, record.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit record %d: %w", record.Tick, err)
	}
	return nil
}

// Load returns the most recent run's records in tick order.
func (s *SQLiteStore) Load() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT run_id, tick, timestamp, patch, status_changes, events, prev_hash, hash
		 FROM audit_records
		 WHERE run_id = (SELECT run_id FROM audit_records ORDER BY seq DESC LIMIT 1)
		 ORDER BY tick ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeColumns(record Record) (patch, statusChanges, events string, err error) {
	p, err := json.Marshal(record.Patch)
	if err != nil {
		return "", "", "", fmt.Errorf("encode patch: %w", err)
	}
	sc, err := json.Marshal(record.StatusChanges)
	if err != nil {
		return "", "", "", fmt.Errorf("encode status changes: %w", err)
	}
	ev, err := json.Marshal(record.Events)
	if err != nil {
		return "", "", "", fmt.Errorf("encode events: %w", err)
	}
	return string(p), string(sc), string(ev), nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			record        Record
			timestamp     string
			patch         string
			statusChanges sql.NullString
			events        string
		)
		if err := rows.Scan(&record.RunID, &record.Tick, &timestamp, &patch, &statusChanges, &events, &record.PrevHash, &record.Hash); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d: bad timestamp: %w", record.Tick, err)
		}
		record.Timestamp = ts
		if err := decodeColumns(&record, patch, statusChanges, events); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func decodeColumns(record *Record, patch string, statusChanges sql.NullString, events string) error {
	if err := json.Unmarshal([]byte(patch), &record.Patch); err != nil {
		return fmt.Errorf("record %d: decode patch: %w", record.Tick, err)
	}
	if statusChanges.Valid && statusChanges.String != "null" {
		if err := json.Unmarshal([]byte(statusChanges.String), &record.StatusChanges); err != nil {
			return fmt.Errorf("record %d: decode status changes: %w", record.Tick, err)
		}
	}
	if err := json.Unmarshal([]byte(events), &record.Events); err != nil {
		return fmt.Errorf("record %d: decode events: %w", record.Tick, err)
	}
	return nil
}
