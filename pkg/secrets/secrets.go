// Package secrets resolves declared secret references for the vault
// primitive. Secret values never enter shared state, events, or the audit
// ledger; handlers pass reference identifiers and look values up through
// the in-process cache.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tidewater-labs/spc/pkg/document"
)

// ErrNotFound reports an unresolvable secret reference.
var ErrNotFound = errors.New("secret not found")

// Provider resolves a secret reference to its cleartext value.
type Provider interface {
	Resolve(ctx context.Context, ref document.SecretRef) (string, error)
}

// EnvProvider resolves secrets from environment variables; the reference
// path is the variable name.
type EnvProvider struct{}

func (EnvProvider) Resolve(_ context.Context, ref document.SecretRef) (string, error) {
	value, ok := os.LookupEnv(ref.Path)
	if !ok {
		return "", fmt.Errorf("%w: env %s (ref %s)", ErrNotFound, ref.Path, ref.RefID)
	}
	return value, nil
}

// StaticProvider resolves secrets from a fixed map, keyed by path. Used in
// tests and deterministic replays.
type StaticProvider map[string]string

func (p StaticProvider) Resolve(_ context.Context, ref document.SecretRef) (string, error) {
	value, ok := p[ref.Path]
	if !ok {
		return "", fmt.Errorf("%w: %s (ref %s)", ErrNotFound, ref.Path, ref.RefID)
	}
	return value, nil
}

// Multi dispatches to a provider by the reference's declared provider name.
type Multi map[string]Provider

func (m Multi) Resolve(ctx context.Context, ref document.SecretRef) (string, error) {
	p, ok := m[ref.Provider]
	if !ok {
		return "", fmt.Errorf("%w: no provider %q (ref %s)", ErrNotFound, ref.Provider, ref.RefID)
	}
	return p.Resolve(ctx, ref)
}

// Cache holds resolved secret values in process memory, keyed by RefID.
// The vault handler fills it; consumers (e.g. webhook signing) read it.
type Cache struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewCache() *Cache {
	return &Cache{values: make(map[string]string)}
}

func (c *Cache) Put(refID, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[refID] = value
}

func (c *Cache) Get(refID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.values[refID]
	return value, ok
}
