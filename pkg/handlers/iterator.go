package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
)

// IteratorHandler advances an index over a bound sequence, emitting one
// element per tick. With the loop modifier the cursor wraps instead of
// exhausting. The cursor lives in state under a reserved key.
type IteratorHandler struct{}

func NewIteratorHandler() *IteratorHandler {
	return &IteratorHandler{}
}

func (h *IteratorHandler) Execute(_ context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.IteratorSpec)
	if !ok {
		return Result{}, fmt.Errorf("iterator %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	items := spec.Items
	if spec.SourceKey != "" {
		raw, exists := view.Get(spec.SourceKey)
		if !exists {
			return Result{
				Events: []contracts.Event{
					event(view, "waiting", svc.ID, contracts.LevelInfo, "source %s not present", spec.SourceKey),
				},
			}, nil
		}
		bound, ok := raw.([]any)
		if !ok {
			return Result{}, fmt.Errorf("%w: iterator source %s is not a sequence", ErrExpressionFailed, spec.SourceKey)
		}
		items = bound
	}

	if len(items) == 0 {
		return Result{
			Exhausted: !svc.Modifiers.Loop,
			Events: []contracts.Event{
				event(view, "exhausted", svc.ID, contracts.LevelInfo, "empty sequence"),
			},
		}, nil
	}

	index := loadCursor(view, svc.ID)
	if index >= len(items) {
		if !svc.Modifiers.Loop {
			return Result{
				Exhausted: true,
				Events: []contracts.Event{
					event(view, "exhausted", svc.ID, contracts.LevelInfo, "sequence of %d consumed", len(items)),
				},
			}, nil
		}
		index = 0
	}

	patch := contracts.StatePatch{
		spec.OutputKey:           items[index],
		iteratorStateKey(svc.ID): float64(index + 1),
	}
	if spec.IndexKey != "" {
		patch[spec.IndexKey] = float64(index)
	}

	exhausted := index+1 >= len(items) && !svc.Modifiers.Loop
	return Result{
		State:     patch,
		Fired:     true,
		Exhausted: exhausted,
		Events: []contracts.Event{
			event(view, "advanced", svc.ID, contracts.LevelInfo, "element %d/%d -> %s", index+1, len(items), spec.OutputKey),
		},
	}, nil
}

func loadCursor(view contracts.StateView, serviceID string) int {
	raw, ok := view.Get(iteratorStateKey(serviceID))
	if !ok {
		return 0
	}
	value, ok := toFloat(raw)
	if !ok || value < 0 {
		return 0
	}
	return int(value)
}
