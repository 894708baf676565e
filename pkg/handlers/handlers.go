// Package handlers implements the Handler Execution Layer: one handler
// per primitive type. Handlers are pure functions of (service spec,
// start-of-tick state) modulo injected I/O collaborators; they return
// patches and events and never mutate shared state.
package handlers

import (
	"context"
	"fmt"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/expr"
	"github.com/tidewater-labs/spc/pkg/retry"
	"github.com/tidewater-labs/spc/pkg/secrets"
)

// Result is the outcome of one handler invocation.
type Result struct {
	// State maps shared-state keys to new values.
	State contracts.StatePatch

	// StatusChanges starts/stops other services. Router only.
	StatusChanges map[string]document.Status

	// Events observed during execution.
	Events []contracts.Event

	// Fired reports that the primitive performed its effect this tick
	// (adapter notified, monitor check transitioned true). Drives the
	// auto-stop and oneShot lifecycle rules.
	Fired bool

	// Exhausted reports an iterator that ran off the end of its sequence.
	Exhausted bool
}

// Handler executes one primitive type.
type Handler interface {
	Execute(ctx context.Context, svc *document.Service, view contracts.StateView) (Result, error)
}

// LifecyclePolicy carries per-type lifecycle defaults registered alongside
// a handler.
type LifecyclePolicy struct {
	// AutoStop stops the service after a successful firing (adapter).
	AutoStop bool
}

// Deps bundles the collaborators the built-in handlers share.
type Deps struct {
	Eval        *expr.Evaluator
	Fetcher     Fetcher
	Notifier    Notifier
	Idempotency IdempotencyStore
	Secrets     secrets.Provider
	SecretCache *secrets.Cache
	Retry       retry.Policy

	// TickIntervalSec converts aggregator window seconds into ticks.
	TickIntervalSec float64
}

func (d Deps) withDefaults() Deps {
	if d.Eval == nil {
		d.Eval = expr.NewEvaluator()
	}
	if d.Fetcher == nil {
		d.Fetcher = NewHTTPFetcher()
	}
	if d.Idempotency == nil {
		d.Idempotency = NewMemoryIdempotencyStore()
	}
	if d.Secrets == nil {
		d.Secrets = secrets.Multi{"env": secrets.EnvProvider{}}
	}
	if d.SecretCache == nil {
		d.SecretCache = secrets.NewCache()
	}
	if d.Notifier == nil {
		d.Notifier = NewWebhookNotifier(d.SecretCache)
	}
	if d.TickIntervalSec <= 0 {
		d.TickIntervalSec = 1
	}
	return d
}

// event builds an event stamped with the current tick.
func event(view contracts.StateView, name, forService string, level contracts.Level, format string, args ...any) contracts.Event {
	return contracts.Event{
		Name:    name,
		For:     forService,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		At:      view.Tick(),
	}
}

// Reserved state keys carry handler-internal memory (monitor edge state,
// aggregator windows, iterator cursors) through the same atomic patch
// path as ordinary writes, so replays reconstruct them exactly.
func monitorStateKey(serviceID string) string  { return "__monitor:" + serviceID }
func windowStateKey(serviceID string) string   { return "__window:" + serviceID }
func iteratorStateKey(serviceID string) string { return "__iter:" + serviceID }
