package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/spc/pkg/contracts"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/handlers"
	"github.com/tidewater-labs/spc/pkg/ledger"
)

// Phase is the scheduler's state machine position. Stop requests only take
// effect at tick boundaries, so Stopping is observable while a tick runs
// to completion.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseTicking
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTicking:
		return "ticking"
	case PhaseStopping:
		return "stopping"
	}
	return "unknown"
}

var (
	// ErrNotLoaded reports a tick attempted before a document was loaded.
	ErrNotLoaded = errors.New("no document loaded")

	// ErrAlreadyRunning reports a second concurrent Start.
	ErrAlreadyRunning = errors.New("engine already running")
)

// TickResult is what one completed tick produced, broadcast to
// subscribers and returned from TickOnce.
type TickResult struct {
	Tick   uint64
	Events []contracts.Event
	Record ledger.Record
}

// Engine drives a loaded document through ticks. All writes to shared
// state happen here: handlers observe a frozen view and return patches.
type Engine struct {
	mu       sync.Mutex
	doc      *document.Document
	registry *handlers.Registry
	led      *ledger.Ledger
	tick     uint64
	runID    string
	loaded   bool

	phase   atomic.Int32
	stopReq atomic.Bool
	running atomic.Bool

	interval       time.Duration
	handlerTimeout time.Duration
	maxTicks       uint64
	logger         *slog.Logger

	subMu sync.Mutex
	subs  []chan TickResult
}

// New creates an engine over a handler registry.
func New(registry *handlers.Registry) *Engine {
	return &Engine{
		registry:       registry,
		led:            ledger.New(),
		handlerTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
}

// WithLedger replaces the engine's ledger, for instance one backed by a
// durable store.
func (e *Engine) WithLedger(l *ledger.Ledger) *Engine {
	e.led = l
	return e
}

// WithInterval sets the pause between ticks in Start. Zero runs ticks
// back to back.
func (e *Engine) WithInterval(d time.Duration) *Engine {
	e.interval = d
	return e
}

// WithHandlerTimeout sets the per-invocation deadline.
func (e *Engine) WithHandlerTimeout(d time.Duration) *Engine {
	e.handlerTimeout = d
	return e
}

// WithMaxTicks makes Start return after the given tick completes. Zero
// means no limit. The check runs inside the loop itself, so it holds
// even when no subscriber keeps up.
func (e *Engine) WithMaxTicks(n uint64) *Engine {
	e.maxTicks = n
	return e
}

// WithLogger sets the structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Load validates the document, confirms every declared type has a
// registered handler, seals the registry, and resets the run. A
// validation failure or unknown primitive type is fatal: the run never
// starts.
func (e *Engine) Load(doc *document.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	for _, id := range sortedServiceIDs(doc) {
		svc := doc.Services[id]
		if _, _, err := e.registry.Resolve(svc.Type); err != nil {
			return fmt.Errorf("service %s: %w", id, err)
		}
	}

	owned, err := doc.Clone()
	if err != nil {
		return fmt.Errorf("clone document: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.Seal()
	e.doc = owned
	e.tick = 0
	e.runID = uuid.NewString()
	e.loaded = true
	e.led.Reset(e.runID)
	e.logger.Info("document loaded",
		"run_id", e.runID,
		"name", owned.Meta.Name,
		"services", len(owned.Services))
	return nil
}

// Register adds a handler before Load seals the registry.
func (e *Engine) Register(t document.Type, h handlers.Handler, policy handlers.LifecyclePolicy) error {
	return e.registry.Register(t, h, policy)
}

// RunID identifies the current run. Empty before Load.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Ledger exposes the audit chain for verification and export.
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// Phase reports the scheduler's current position.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

// Subscribe returns a channel receiving every completed tick. Sends never
// block: a subscriber that falls behind misses results rather than
// stalling the loop. The channel is closed when Start returns, so a
// draining range loop terminates with the run.
func (e *Engine) Subscribe() <-chan TickResult {
	ch := make(chan TickResult, 16)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()
	return ch
}

// ExportDocument returns a copy of the document including accumulated
// state and current statuses.
func (e *Engine) ExportDocument() (*document.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, ErrNotLoaded
	}
	return e.doc.Clone()
}

// Stop requests a transition to Idle before the next tick begins.
// Idempotent; a tick in progress always runs to completion.
func (e *Engine) Stop() {
	e.stopReq.Store(true)
	if Phase(e.phase.Load()) == PhaseTicking {
		e.phase.CompareAndSwap(int32(PhaseTicking), int32(PhaseStopping))
	}
}

// Start ticks repeatedly until Stop is called, the context is cancelled,
// or no service remains running.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	defer e.closeSubscribers()
	e.stopReq.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.stopReq.Load() {
			return nil
		}
		res, err := e.TickOnce(ctx)
		if err != nil {
			return err
		}
		if e.runningServices() == 0 {
			e.logger.Info("run complete", "run_id", e.RunID(), "ticks", res.Tick)
			return nil
		}
		if e.maxTicks > 0 && res.Tick >= e.maxTicks {
			e.logger.Info("tick limit reached", "run_id", e.RunID(), "ticks", res.Tick)
			return nil
		}
		if e.stopReq.Load() {
			return nil
		}
		if e.interval > 0 {
			select {
			case <-time.After(e.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// TickOnce runs exactly one cycle: scan, execute, merge, lifecycle,
// append. A tick with no running services is a legal no-op that still
// advances the counter and appends an empty record.
func (e *Engine) TickOnce(ctx context.Context) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return TickResult{}, ErrNotLoaded
	}

	e.phase.Store(int32(PhaseTicking))
	defer e.phase.Store(int32(PhaseIdle))

	e.tick++
	view := newStateView(e.doc.State, e.tick)

	ids := e.scanRunning()
	outcomes := e.executeAll(ctx, ids, view)

	events := make([]contracts.Event, 0)
	ordered := make([]contracts.ServicePatch, 0, len(ids))
	executed := make(map[string]outcome, len(ids))
	for i, id := range ids {
		out := outcomes[i]
		if out.err != nil {
			e.logger.Error("handler failed",
				"service", id, "tick", e.tick, "error", out.err)
			events = append(events, contracts.Event{
				Name:    failureEventName(out.err),
				For:     id,
				Level:   contracts.LevelError,
				Message: out.err.Error(),
				At:      e.tick,
			})
			continue
		}
		events = append(events, out.res.Events...)
		ordered = append(ordered, contracts.ServicePatch{
			ServiceID:     id,
			State:         out.res.State,
			StatusChanges: statusStrings(out.res.StatusChanges),
		})
		executed[id] = out
	}

	next, merged, conflicts := applyPatches(e.doc.State, ordered, e.tick)
	events = append(events, conflicts...)
	e.doc.State = next

	statusChanges := e.advanceStatuses(ids, ordered, executed)

	for id := range executed {
		ran := e.tick
		e.doc.Services[id].LastRun = &ran
	}

	record, err := e.led.Append(e.tick, merged, statusChanges, events)
	if err != nil {
		return TickResult{}, fmt.Errorf("tick %d: append audit record: %w", e.tick, err)
	}

	result := TickResult{Tick: e.tick, Events: events, Record: record}
	e.broadcast(result)
	return result, nil
}

type outcome struct {
	res    handlers.Result
	policy handlers.LifecyclePolicy
	err    error
}

// executeAll fans running handlers out concurrently. Results land in scan
// order regardless of completion order, so the merge stays deterministic.
func (e *Engine) executeAll(ctx context.Context, ids []string, view contracts.StateView) []outcome {
	outcomes := make([]outcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, svc *document.Service) {
			defer wg.Done()
			outcomes[i] = e.executeOne(ctx, svc, view)
		}(i, e.doc.Services[id])
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) executeOne(ctx context.Context, svc *document.Service, view contracts.StateView) outcome {
	h, policy, err := e.registry.Resolve(svc.Type)
	if err != nil {
		return outcome{err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	type reply struct {
		res handlers.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := h.Execute(ctx, svc, view)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		return outcome{res: r.res, policy: policy, err: r.err}
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("%s after %s: %w", svc.ID, e.handlerTimeout, handlers.ErrHandlerTimeout)}
	}
}

// advanceStatuses applies router-directed status changes in scan order,
// then the lifecycle rules for each service that executed successfully.
// Skipped and failed services are untouched.
func (e *Engine) advanceStatuses(ids []string, ordered []contracts.ServicePatch, executed map[string]outcome) map[string]string {
	changes := make(map[string]string)

	for _, p := range ordered {
		for target, status := range p.StatusChanges {
			svc, ok := e.doc.Services[target]
			if !ok || string(svc.Status) == status {
				continue
			}
			svc.Status = document.Status(status)
			changes[target] = status
		}
	}

	for _, id := range ids {
		out, ok := executed[id]
		if !ok {
			continue
		}
		svc := e.doc.Services[id]
		if ns := nextStatus(svc, out.policy, out.res); ns != svc.Status {
			svc.Status = ns
			changes[id] = string(ns)
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}

func (e *Engine) scanRunning() []string {
	var ids []string
	for id, svc := range e.doc.Services {
		if svc.Status == document.StatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) runningServices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, svc := range e.doc.Services {
		if svc.Status == document.StatusRunning {
			n++
		}
	}
	return n
}

func (e *Engine) broadcast(result TickResult) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

// closeSubscribers ends every subscription when a run finishes.
// Subscriptions are per run; a later Start needs fresh ones.
func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

func failureEventName(err error) string {
	switch {
	case errors.Is(err, handlers.ErrHandlerTimeout):
		return "timeout"
	case errors.Is(err, handlers.ErrSourceUnavailable):
		return "source-unavailable"
	case errors.Is(err, handlers.ErrExpressionFailed):
		return "expression-failed"
	case errors.Is(err, handlers.ErrSecretUnavailable):
		return "secret-unavailable"
	}
	return "handler-error"
}

func statusStrings(in map[string]document.Status) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = string(v)
	}
	return out
}

func sortedServiceIDs(doc *document.Document) []string {
	ids := make([]string, 0, len(doc.Services))
	for id := range doc.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
