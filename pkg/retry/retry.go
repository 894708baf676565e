// Package retry provides deterministic retry policies for handlers that
// touch the outside world (connector, adapter). Jitter is derived from a
// seeded PRF, not a live RNG, so two replays of the same run compute the
// same schedule.
//
// The kernel guarantees only non-fatal isolation of handler failures;
// whether a failed fire is retried, and how often, is policy.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry schedule. A zero MaxAttempts disables automatic
// retry entirely, which is the kernel default.
type Policy struct {
	BaseMs      int64 `json:"base_ms"`
	MaxMs       int64 `json:"max_ms"`
	MaxJitterMs int64 `json:"max_jitter_ms"`
	MaxAttempts int   `json:"max_attempts"`
}

// NonePolicy returns the default policy: no automatic retry.
func NonePolicy() Policy { return Policy{} }

// DefaultPolicy returns a bounded exponential policy suitable for
// connector fetches.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 3}
}

// Backoff returns the delay before attempt (0-based). Delay grows as
// base * 2^attempt, capped at MaxMs, plus deterministic jitter seeded by
// the caller-supplied seed.
func (p Policy) Backoff(attempt int, seed string) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1)
	if attempt > 30 {
		factor = 1 << 30
	} else {
		factor = 1 << attempt
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(attempt, seed)) * time.Millisecond
}

// jitter computes PRF(seed, attempt) mod MaxJitterMs.
func (p Policy) jitter(attempt int, seed string) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}

// Schedule is the precomputed delay for one attempt.
type Schedule struct {
	AttemptIndex int   `json:"attempt_index"`
	DelayMs      int64 `json:"delay_ms"`
}

// Plan expands the policy into a full attempt schedule for auditing.
func (p Policy) Plan(seed string) []Schedule {
	plan := make([]Schedule, p.MaxAttempts)
	for i := 0; i < p.MaxAttempts; i++ {
		plan[i] = Schedule{AttemptIndex: i, DelayMs: p.Backoff(i, seed).Milliseconds()}
	}
	return plan
}
