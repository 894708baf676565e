package handlers

import (
	"fmt"
	"sync"

	"github.com/tidewater-labs/spc/pkg/document"
)

// Registry maps a primitive type name to its handler and lifecycle policy
// defaults. Populated at startup and sealed when a run begins; re-registering
// during an active run is rejected to preserve determinism.
type Registry struct {
	mu      sync.RWMutex
	entries map[document.Type]registration
	sealed  bool
}

type registration struct {
	handler Handler
	policy  LifecyclePolicy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[document.Type]registration)}
}

// NewDefaultRegistry creates a registry with all eight built-in primitive
// handlers wired against deps.
func NewDefaultRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	r := NewRegistry()

	// Registration of built-ins cannot collide; errors here would be
	// programming mistakes, not runtime conditions.
	_ = r.Register(document.TypeConnector, NewConnectorHandler(deps.Fetcher, deps.Retry), LifecyclePolicy{})
	_ = r.Register(document.TypeProcessor, NewProcessorHandler(deps.Eval), LifecyclePolicy{})
	_ = r.Register(document.TypeMonitor, NewMonitorHandler(deps.Eval), LifecyclePolicy{})
	_ = r.Register(document.TypeAdapter, NewAdapterHandler(deps.Notifier, deps.Idempotency), LifecyclePolicy{AutoStop: true})
	_ = r.Register(document.TypeAggregator, NewAggregatorHandler(deps.TickIntervalSec), LifecyclePolicy{})
	_ = r.Register(document.TypeRouter, NewRouterHandler(deps.Eval), LifecyclePolicy{})
	_ = r.Register(document.TypeIterator, NewIteratorHandler(), LifecyclePolicy{})
	_ = r.Register(document.TypeVault, NewVaultHandler(deps.Secrets, deps.SecretCache), LifecyclePolicy{})
	return r
}

// Register binds a handler and its lifecycle defaults to a type. Duplicate
// registration and registration after sealing are rejected.
func (r *Registry) Register(t document.Type, h Handler, policy LifecyclePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry sealed: cannot register %q during an active run", t)
	}
	if _, exists := r.entries[t]; exists {
		return fmt.Errorf("handler for %q already registered", t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", t)
	}
	r.entries[t] = registration{handler: h, policy: policy}
	return nil
}

// Resolve returns the handler and policy for a type.
func (r *Registry) Resolve(t document.Type) (Handler, LifecyclePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[t]
	if !ok {
		return nil, LifecyclePolicy{}, fmt.Errorf("%w: %q", ErrUnknownPrimitiveType, t)
	}
	return reg.handler, reg.policy, nil
}

// Seal freezes the registry for the duration of a run.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}
