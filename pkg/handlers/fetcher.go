package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidewater-labs/spc/pkg/document"
)

// Fetcher resolves a connector's external resource. Implementations with
// real I/O are injected; tests use StaticFetcher so runs stay reproducible.
type Fetcher interface {
	Fetch(ctx context.Context, spec *document.ConnectorSpec) (any, error)
}

// StaticFetcher serves canned responses keyed by URL.
type StaticFetcher map[string]any

func (f StaticFetcher) Fetch(_ context.Context, spec *document.ConnectorSpec) (any, error) {
	value, ok := f[spec.URL]
	if !ok {
		return nil, fmt.Errorf("no response configured for %s", spec.URL)
	}
	return value, nil
}

// HTTPFetcher fetches over HTTP with a circuit breaker and rate limiting.
// JSON responses are decoded; anything else is returned as a string.
type HTTPFetcher struct {
	client  *http.Client
	breaker *circuitBreaker
	limiter LimiterStore
}

// NewHTTPFetcher creates a fetcher with production defaults.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: newCircuitBreaker(5, 10*time.Second),
		limiter: NewLocalLimiterStore(10, 20),
	}
}

// WithLimiter replaces the rate limiter store (e.g. Redis-backed).
func (f *HTTPFetcher) WithLimiter(store LimiterStore) *HTTPFetcher {
	f.limiter = store
	return f
}

// WithClient replaces the HTTP client.
func (f *HTTPFetcher) WithClient(client *http.Client) *HTTPFetcher {
	f.client = client
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, spec *document.ConnectorSpec) (any, error) {
	rateKey := spec.RateKey
	if rateKey == "" {
		rateKey = spec.URL
	}
	allowed, err := f.limiter.Allow(ctx, rateKey)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("rate limited: %s", rateKey)
	}

	if !f.breaker.Allow() {
		return nil, fmt.Errorf("circuit open for %s", spec.URL)
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.breaker.Failure()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		f.breaker.Failure()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, spec.URL)
	}
	f.breaker.Success()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return decoded, nil
	}
	return string(body), nil
}

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine guarding
// a flapping upstream.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = "CLOSED"
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
