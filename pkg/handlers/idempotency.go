package handlers

import "sync"

// IdempotencyStore remembers effective idempotency keys so an adapter's
// side effect happens exactly once per key, however many ticks re-fire it.
type IdempotencyStore interface {
	// Seen reports whether key was already marked.
	Seen(key string) bool

	// Mark records key. Marking an already-seen key is a no-op.
	Mark(key string)
}

// MemoryIdempotencyStore is the process-scoped default.
type MemoryIdempotencyStore struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]struct{})}
}

func (s *MemoryIdempotencyStore) Seen(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

func (s *MemoryIdempotencyStore) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
}
