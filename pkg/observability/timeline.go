package observability

import (
	"sort"
	"sync"

	"github.com/tidewater-labs/spc/pkg/contracts"
)

// TimelineEntry is one handler event annotated with the tick and audit
// record it belongs to.
type TimelineEntry struct {
	Tick       uint64          `json:"tick"`
	Service    string          `json:"service"`
	Name       string          `json:"name"`
	Level      contracts.Level `json:"level"`
	Message    string          `json:"message"`
	RecordHash string          `json:"record_hash"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	Service  string
	Level    contracts.Level
	FromTick uint64
	ToTick   uint64 // zero means unbounded
	Limit    int
}

// EventTimeline collects every event a run emits into a queryable,
// tick-ordered index. It observes completed ticks only, so a query never
// sees a partially committed tick.
type EventTimeline struct {
	mu        sync.RWMutex
	entries   []TimelineEntry
	byService map[string][]int
}

// NewEventTimeline creates an empty timeline.
func NewEventTimeline() *EventTimeline {
	return &EventTimeline{byService: make(map[string][]int)}
}

// Observe records all events from one completed tick.
func (t *EventTimeline) Observe(tick uint64, recordHash string, events []contracts.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range events {
		idx := len(t.entries)
		t.entries = append(t.entries, TimelineEntry{
			Tick:       tick,
			Service:    e.For,
			Name:       e.Name,
			Level:      e.Level,
			Message:    e.Message,
			RecordHash: recordHash,
		})
		if e.For != "" {
			t.byService[e.For] = append(t.byService[e.For], idx)
		}
	}
}

// Query retrieves entries matching the query, ordered by tick.
func (t *EventTimeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.Service != "" {
		for _, i := range t.byService[q.Service] {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if e.Tick < q.FromTick {
			continue
		}
		if q.ToTick > 0 && e.Tick > q.ToTick {
			continue
		}
		results = append(results, e)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Tick < results[j].Tick
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// CountByLevel summarizes the run for end-of-run reporting.
func (t *EventTimeline) CountByLevel() map[contracts.Level]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[contracts.Level]int)
	for _, e := range t.entries {
		out[e.Level]++
	}
	return out
}

// Count returns total entries.
func (t *EventTimeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
