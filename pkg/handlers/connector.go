package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/retry"
)

// ConnectorHandler resolves an external resource via its declared source
// descriptor and writes the result to outputKey. Resolution failures
// surface as ErrSourceUnavailable, never fatal to the run.
type ConnectorHandler struct {
	fetcher Fetcher
	retry   retry.Policy
}

func NewConnectorHandler(fetcher Fetcher, policy retry.Policy) *ConnectorHandler {
	return &ConnectorHandler{fetcher: fetcher, retry: policy}
}

func (h *ConnectorHandler) Execute(ctx context.Context, svc *document.Service, view contracts.StateView) (Result, error) {
	spec, ok := svc.Spec.(*document.ConnectorSpec)
	if !ok {
		return Result{}, fmt.Errorf("connector %s: wrong spec shape %T", svc.ID, svc.Spec)
	}

	value, err := h.fetch(ctx, svc.ID, spec, view)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return Result{
		State: contracts.StatePatch{spec.OutputKey: value},
		Events: []contracts.Event{
			event(view, "fetched", svc.ID, contracts.LevelInfo, "wrote %s from %s", spec.OutputKey, spec.URL),
		},
		Fired: true,
	}, nil
}

// fetch runs the configured retry schedule. The jitter seed covers the
// URL and the tick, so a replayed run waits the same delays.
func (h *ConnectorHandler) fetch(ctx context.Context, serviceID string, spec *document.ConnectorSpec, view contracts.StateView) (any, error) {
	seed := fmt.Sprintf("%s:%s:%d", serviceID, spec.URL, view.Tick())

	var lastErr error
	attempts := h.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := h.retry.Backoff(attempt, seed); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		value, err := h.fetcher.Fetch(ctx, spec)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
