// Package contracts holds the shared execution contracts exchanged between
// the handler layer, the kernel, and the audit ledger.
//
// Handlers never mutate shared state directly: they observe a read-only
// StateView and return patches, which the kernel commits atomically once
// per tick.
package contracts

// Level classifies an event for hosts and log sinks.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is an observational record produced during a tick. Events are never
// fed back into shared state; a service must read state, not events, to
// react to prior activity.
type Event struct {
	Name    string `json:"name"`
	For     string `json:"for"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
	At      uint64 `json:"at"`
}

// StatePatch maps shared-state keys to their new values.
type StatePatch map[string]any

// ServicePatch is the complete state mutation proposed by one handler
// invocation. StatusChanges is populated only by the router primitive,
// the sole handler permitted to start or stop other services.
type ServicePatch struct {
	ServiceID     string            `json:"service_id"`
	State         StatePatch        `json:"state,omitempty"`
	StatusChanges map[string]string `json:"status_changes,omitempty"`
}

// StateView is the read-only window onto shared state that handlers receive.
// The view is frozen at the start of the tick: no handler observes another
// handler's writes from the same tick.
type StateView interface {
	// Get returns the value stored under key and whether it exists.
	Get(key string) (any, bool)

	// Snapshot returns a copy of the full state map.
	Snapshot() map[string]any

	// Tick returns the number of the tick being executed.
	Tick() uint64
}
