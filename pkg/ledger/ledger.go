// Package ledger implements the append-only, hash-chained audit ledger.
//
// One record per tick: patches, events, and the previous record's hash.
// Verification recomputes the chain from genesis and is the sole
// tamper-detection mechanism; it runs on demand, never as part of a tick.
package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidewater-labs/spc/pkg/canonicalize"
	"github.com/tidewater-labs/spc/pkg/contracts"
)

// GenesisHash anchors the first record's PrevHash.
const GenesisHash = "genesis"

// Record is one immutable, hash-chained audit entry.
//
// Hash covers (prev_hash, tick, patch, status_changes, events) in
// canonical form. Timestamp and RunID are advisory and excluded from
// the hash, so replays on different machines chain identically.
type Record struct {
	RunID         string               `json:"run_id,omitempty"`
	Tick          uint64               `json:"tick"`
	Timestamp     time.Time            `json:"timestamp"`
	Patch         contracts.StatePatch `json:"patch"`
	StatusChanges map[string]string    `json:"status_changes,omitempty"`
	Events        []contracts.Event    `json:"events"`
	PrevHash      string               `json:"prev_hash"`
	Hash          string               `json:"hash"`
}

type hashInput struct {
	PrevHash      string               `json:"prev_hash"`
	Tick          uint64               `json:"tick"`
	Patch         contracts.StatePatch `json:"patch"`
	StatusChanges map[string]string    `json:"status_changes,omitempty"`
	Events        []contracts.Event    `json:"events"`
}

func recordHash(prevHash string, tick uint64, patch contracts.StatePatch, statusChanges map[string]string, events []contracts.Event) (string, error) {
	return canonicalize.Hash(hashInput{
		PrevHash:      prevHash,
		Tick:          tick,
		Patch:         patch,
		StatusChanges: statusChanges,
		Events:        events,
	})
}

// Ledger is the in-memory audit chain for one run. Optionally mirrored to
// a durable Store on every append.
type Ledger struct {
	mu       sync.RWMutex
	records  []Record
	headHash string
	runID    string
	clock    func() time.Time
	store    Store
}

// New creates a ledger at genesis.
func New() *Ledger {
	return &Ledger{
		records:  make([]Record, 0),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the timestamp source for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithStore mirrors every appended record into a durable store.
func (l *Ledger) WithStore(store Store) *Ledger {
	l.store = store
	return l
}

// Append adds the record for one completed tick and returns it.
func (l *Ledger) Append(tick uint64, patch contracts.StatePatch, statusChanges map[string]string, events []contracts.Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if events == nil {
		events = []contracts.Event{}
	}
	hash, err := recordHash(l.headHash, tick, patch, statusChanges, events)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: hash record: %w", err)
	}

	record := Record{
		RunID:         l.runID,
		Tick:          tick,
		Timestamp:     l.clock().UTC(),
		Patch:         patch,
		StatusChanges: statusChanges,
		Events:        events,
		PrevHash:      l.headHash,
		Hash:          hash,
	}

	// Durable first. A store failure must leave the in-memory chain
	// exactly where it was, so the caller can retry the tick without
	// memory and disk diverging.
	if l.store != nil {
		if err := l.store.Append(record); err != nil {
			return Record{}, fmt.Errorf("ledger: persist record: %w", err)
		}
	}
	l.records = append(l.records, record)
	l.headHash = hash
	return record, nil
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of records.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a copy of the chain.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Reset discards the chain, returns to genesis, and adopts the run
// identifier stamped on subsequent records. Called only when a new run
// is explicitly initiated. Prior runs stay in the durable store under
// their own run identifiers.
func (l *Ledger) Reset(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = l.records[:0]
	l.headHash = GenesisHash
	l.runID = runID
}

// Restore replaces the in-memory chain with records loaded from a durable
// store. The chain is verified before it is adopted.
func (l *Ledger) Restore(records []Record) error {
	if ok, detail := VerifyRecords(records); !ok {
		return fmt.Errorf("ledger: restore: %s", detail)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records[:0], records...)
	l.headHash = GenesisHash
	if len(records) > 0 {
		last := records[len(records)-1]
		l.headHash = last.Hash
		l.runID = last.RunID
	}
	return nil
}

// Verify recomputes every hash from genesis and confirms the chain is
// unbroken. Returns false with a reason at the first discrepancy.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyRecords(l.records)
}

// VerifyRecords checks an exported chain independently of a live ledger.
func VerifyRecords(records []Record) (bool, string) {
	prevHash := GenesisHash
	for i, record := range records {
		if record.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at record %d: expected prev %s, got %s", i+1, prevHash, record.PrevHash)
		}
		computed, err := recordHash(record.PrevHash, record.Tick, record.Patch, record.StatusChanges, record.Events)
		if err != nil {
			return false, fmt.Sprintf("record %d: %v", i+1, err)
		}
		if computed != record.Hash {
			return false, fmt.Sprintf("hash mismatch at record %d", i+1)
		}
		prevHash = record.Hash
	}
	return true, "chain verified"
}

// Export serializes the chain as JSON for external verification,
// independently of the document.
func (l *Ledger) Export(w io.Writer) error {
	records := l.Records()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// ReadExport decodes a chain previously written by Export.
func ReadExport(r io.Reader) ([]Record, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("ledger: decode export: %w", err)
	}
	return records, nil
}
