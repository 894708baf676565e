package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
)

// RouterHandler evaluates its condition against shared state and selects
// which downstream services start or stop this tick. It is the only
// handler permitted to mutate other services' status, and it does so via
// its patch; the kernel commits status changes with the same atomicity as
// state writes.
type RouterHandler struct {
	eval *expr.Evaluator
}

func NewRouterHandler(eval *expr.Evaluator) *RouterHandler {
	return &RouterHandler{eval: eval}
}

func (h *RouterHandler) Execute(_ context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.RouterSpec)
	if !ok {
		return Result{}, fmt.Errorf("router %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	vars := map[string]any{"state": view.Snapshot()}
	for k, v := range view.Snapshot() {
		vars[k] = v
	}

	taken, err := h.eval.EvalBool(spec.Expr, vars)
	if err != nil {
		return Result{}, fmt.Errorf("%w: condition: %v", ErrExpressionFailed, err)
	}

	action := spec.OnFalse
	branch := "false"
	if taken {
		action = spec.OnTrue
		branch = "true"
	}

	changes := make(map[string]document.Status, len(action.Start)+len(action.Stop))
	for _, id := range action.Start {
		changes[id] = document.StatusRunning
	}
	for _, id := range action.Stop {
		changes[id] = document.StatusStopped
	}

	var events []contracts.Event
	if len(changes) > 0 {
		events = append(events,
			event(view, "routed", svc.ID, contracts.LevelInfo, "condition %s: start=%v stop=%v", branch, action.Start, action.Stop))
	}

	return Result{StatusChanges: changes, Events: events, Fired: len(changes) > 0}, nil
}
