package kernel

import (
	"fmt"
	"sort"

	"github.com/tidewater-labs/spc/pkg/contracts"
)

// applyPatches commits all patches produced in one tick as a single atomic
// step. Patches arrive in service scan order; a key written by more than
// one service resolves to the later writer and is recorded as a conflict
// event rather than silently dropped.
//
// The returned merged patch is the net effect of the tick, keyed for the
// audit record. The input state map is never mutated.
func applyPatches(current map[string]any, ordered []contracts.ServicePatch, tick uint64) (map[string]any, contracts.StatePatch, []contracts.Event) {
	next := make(map[string]any, len(current))
	for k, v := range current {
		next[k] = v
	}

	merged := contracts.StatePatch{}
	writers := make(map[string]string)
	var conflicts []contracts.Event

	for _, p := range ordered {
		for _, key := range sortedKeys(p.State) {
			if prev, dup := writers[key]; dup {
				conflicts = append(conflicts, contracts.Event{
					Name:    "conflict",
					For:     p.ServiceID,
					Level:   contracts.LevelWarn,
					Message: fmt.Sprintf("key %q written by %s and %s; %s wins", key, prev, p.ServiceID, p.ServiceID),
					At:      tick,
				})
			}
			writers[key] = p.ServiceID
			next[key] = p.State[key]
			merged[key] = p.State[key]
		}
	}

	return next, merged, conflicts
}

func sortedKeys(patch contracts.StatePatch) []string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
