package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/canonicalize"
	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
)

// AdapterHandler performs a declared side effect exactly once per
// effective idempotency key. The effective key folds in the trigger
// value's canonical hash: while the trigger holds steady the effect is
// suppressed, and a value change (e.g. a monitor epoch bump) arms a fresh
// key.
type AdapterHandler struct {
	notifier    Notifier
	idempotency IdempotencyStore
}

func NewAdapterHandler(notifier Notifier, idempotency IdempotencyStore) *AdapterHandler {
	return &AdapterHandler{notifier: notifier, idempotency: idempotency}
}

func (h *AdapterHandler) Execute(ctx context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.AdapterSpec)
	if !ok {
		return Result{}, fmt.Errorf("adapter %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	if spec.TriggerKey != "" {
		trigger, exists := view.Get(spec.TriggerKey)
		if !exists || !truthy(trigger) {
			return Result{
				Events: []contracts.Event{
					event(view, "armed", svc.ID, contracts.LevelInfo, "trigger %s not active", spec.TriggerKey),
				},
			}, nil
		}
	}

	key, err := h.effectiveKey(spec, view)
	if err != nil {
		return Result{}, err
	}

	if h.idempotency.Seen(key) {
		return Result{
			Events: []contracts.Event{
				event(view, "suppressed", svc.ID, contracts.LevelInfo, "effect already delivered for this key"),
			},
		}, nil
	}

	var payload any
	if spec.PayloadKey != "" {
		payload, _ = view.Get(spec.PayloadKey)
	}

	if err := h.notifier.Notify(ctx, spec, payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	h.idempotency.Mark(key)

	return Result{
		Events: []contracts.Event{
			event(view, "fired", svc.ID, contracts.LevelInfo, "%s effect delivered", spec.Kind),
		},
		Fired: true,
	}, nil
}

// effectiveKey is the declared idempotency key extended with the canonical
// hash of the trigger (or payload) value.
func (h *AdapterHandler) effectiveKey(spec *document.AdapterSpec, view contracts.StateView) (string, error) {
	watchKey := spec.TriggerKey
	if watchKey == "" {
		watchKey = spec.PayloadKey
	}
	if watchKey == "" {
		return spec.IdempotencyKey, nil
	}
	value, _ := view.Get(watchKey)
	hash, err := canonicalize.Hash(value)
	if err != nil {
		return "", fmt.Errorf("hash trigger value: %w", err)
	}
	return spec.IdempotencyKey + ":" + hash, nil
}

// truthy decides whether a trigger value counts as active. Maps are
// active when any nested value is; this lets an adapter trigger directly
// off a monitor's per-check output.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		// Monitor check output carries {ok, epoch}; only ok decides.
		if ok, has := t["ok"]; has {
			return truthy(ok)
		}
		for _, nested := range t {
			if truthy(nested) {
				return true
			}
		}
		return false
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
