package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/secrets"
)

// VaultHandler resolves declared secrets from a provider into the
// in-process cache. Only reference identifiers reach the patch, events,
// and the ledger; a cleartext scan over the patch guards against
// accidental leakage.
type VaultHandler struct {
	provider secrets.Provider
	cache    *secrets.Cache
}

func NewVaultHandler(provider secrets.Provider, cache *secrets.Cache) *VaultHandler {
	return &VaultHandler{provider: provider, cache: cache}
}

func (h *VaultHandler) Execute(ctx context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.VaultSpec)
	if !ok {
		return Result{}, fmt.Errorf("vault %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	refIDs := make([]any, 0, len(spec.Secrets))
	for _, ref := range spec.Secrets {
		value, err := h.provider.Resolve(ctx, ref)
		if err != nil {
			// The error message names the reference, never the value.
			return Result{}, fmt.Errorf("%w: ref %s via %s", ErrSecretUnavailable, ref.RefID, ref.Provider)
		}
		h.cache.Put(ref.RefID, value)
		refIDs = append(refIDs, ref.RefID)
	}

	var patch contracts.StatePatch
	if spec.OutputKey != "" {
		patch = contracts.StatePatch{spec.OutputKey: refIDs}
		if err := secrets.ScanForCleartext(map[string]any{spec.OutputKey: refIDs}); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
		}
	}

	return Result{
		State: patch,
		Events: []contracts.Event{
			event(view, "resolved", svc.ID, contracts.LevelInfo, "%d secret reference(s) resolved", len(refIDs)),
		},
		Fired: true,
	}, nil
}
