// Package kernel owns the tick loop: it scans running services, invokes
// their handlers against a frozen view of shared state, commits the
// resulting patches as one atomic step, advances lifecycles, and appends
// a record to the audit ledger. Exactly one tick executes at a time.
package kernel

import "github.com/tidewater-labs/spc/pkg/contracts"

// stateView freezes shared state at the start of a tick. Every handler in
// the tick observes the same view regardless of completion order.
type stateView struct {
	state map[string]any
	tick  uint64
}

func newStateView(state map[string]any, tick uint64) *stateView {
	frozen := make(map[string]any, len(state))
	for k, v := range state {
		frozen[k] = v
	}
	return &stateView{state: frozen, tick: tick}
}

func (v *stateView) Get(key string) (any, bool) {
	val, ok := v.state[key]
	return val, ok
}

func (v *stateView) Snapshot() map[string]any {
	out := make(map[string]any, len(v.state))
	for k, val := range v.state {
		out[k] = val
	}
	return out
}

func (v *stateView) Tick() uint64 { return v.tick }

var _ contracts.StateView = (*stateView)(nil)
