package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
)

// MonitorHandler evaluates named boolean checks against a data key and
// emits events per its emit policy. Edge state (previous check outcomes
// and a per-check epoch counter) rides in the patch under a reserved key,
// so onChange detection survives replays and patch atomicity.
//
// The epoch increments on every false -> true transition. Downstream
// adapters keyed on the monitor's output re-arm exactly when the epoch
// moves.
type MonitorHandler struct {
	eval *expr.Evaluator
}

func NewMonitorHandler(eval *expr.Evaluator) *MonitorHandler {
	return &MonitorHandler{eval: eval}
}

type checkState struct {
	OK    bool   `json:"ok"`
	Epoch uint64 `json:"epoch"`
}

func (h *MonitorHandler) Execute(_ context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.MonitorSpec)
	if !ok {
		return Result{}, fmt.Errorf("monitor %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	data, exists := view.Get(spec.DataKey)
	if !exists {
		return Result{
			Events: []contracts.Event{
				event(view, "waiting", svc.ID, contracts.LevelInfo, "data %s not present", spec.DataKey),
			},
		}, nil
	}

	vars := map[string]any{"data": data}
	if fields, isMap := data.(map[string]any); isMap {
		for k, v := range fields {
			vars[k] = v
		}
	}

	previous := loadCheckStates(view, svc.ID)
	next := make(map[string]any, len(spec.Checks))
	emit := spec.Emit
	if emit == "" {
		emit = document.EmitOnChange
	}

	var events []contracts.Event
	fired := false
	for _, check := range spec.Checks {
		ok, err := h.eval.EvalBool(check.Expr, vars)
		if err != nil {
			return Result{}, fmt.Errorf("%w: check %q: %v", ErrExpressionFailed, check.Name, err)
		}

		prev := previous[check.Name]
		epoch := prev.Epoch
		transitioned := ok && !prev.OK
		if transitioned {
			epoch++
			fired = true
		}
		next[check.Name] = map[string]any{"ok": ok, "epoch": epoch}

		switch emit {
		case document.EmitOnChange:
			if transitioned {
				events = append(events, event(view, "check-true", svc.ID, contracts.LevelWarn, "check %q became true", check.Name))
			} else if !ok && prev.OK {
				events = append(events, event(view, "check-false", svc.ID, contracts.LevelInfo, "check %q became false", check.Name))
			}
		case document.EmitOnTrue:
			if ok {
				events = append(events, event(view, "check-true", svc.ID, contracts.LevelWarn, "check %q is true", check.Name))
			}
		}
	}

	patch := contracts.StatePatch{monitorStateKey(svc.ID): next}
	if spec.OutputKey != "" {
		patch[spec.OutputKey] = next
	}

	return Result{State: patch, Events: events, Fired: fired}, nil
}

// loadCheckStates decodes the reserved monitor key. State round-trips
// through JSON, so both the typed and decoded map forms must be accepted.
func loadCheckStates(view contracts.StateView, serviceID string) map[string]checkState {
	out := make(map[string]checkState)
	raw, ok := view.Get(monitorStateKey(serviceID))
	if !ok {
		return out
	}
	byName, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for name, entry := range byName {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		state := checkState{}
		if v, ok := fields["ok"].(bool); ok {
			state.OK = v
		}
		switch v := fields["epoch"].(type) {
		case float64:
			state.Epoch = uint64(v)
		case uint64:
			state.Epoch = v
		case int:
			state.Epoch = uint64(v)
		}
		out[name] = state
	}
	return out
}
