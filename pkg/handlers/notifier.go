package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidewater-labs/spc/pkg/canonicalize"
	"github.com/tidewater-labs/spc/pkg/document"
	"github.com/tidewater-labs/spc/pkg/secrets"
)

// Notifier delivers an adapter's declared side effect. Implementations
// with real I/O are injected; tests use RecordingNotifier.
type Notifier interface {
	Notify(ctx context.Context, spec *document.AdapterSpec, payload any) error
}

// RecordingNotifier captures deliveries for assertions.
type RecordingNotifier struct {
	mu    sync.Mutex
	calls []RecordedNotification

	// Fail makes every Notify return an error, simulating an
	// unreachable endpoint.
	Fail bool
}

// RecordedNotification is one captured delivery.
type RecordedNotification struct {
	Kind     string
	Endpoint string
	Payload  any
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(_ context.Context, spec *document.AdapterSpec, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return fmt.Errorf("notify %s: unreachable", spec.Endpoint)
	}
	n.calls = append(n.calls, RecordedNotification{Kind: spec.Kind, Endpoint: spec.Endpoint, Payload: payload})
	return nil
}

// Calls returns the captured deliveries.
func (n *RecordingNotifier) Calls() []RecordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]RecordedNotification, len(n.calls))
	copy(out, n.calls)
	return out
}

// WebhookNotifier POSTs the payload as JSON. When the adapter declares a
// signing secret, the request carries an HS256 JWT over the body hash so
// receivers can authenticate the source. Claims hold only the hash; no
// timestamps, so identical payloads sign identically.
type WebhookNotifier struct {
	client *http.Client
	cache  *secrets.Cache
}

func NewWebhookNotifier(cache *secrets.Cache) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  cache,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, spec *document.AdapterSpec, payload any) error {
	if spec.Endpoint == "" {
		return fmt.Errorf("adapter %s: no endpoint declared", spec.Kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if spec.SigningSecretRef != nil {
		token, err := n.sign(spec.SigningSecretRef, body)
		if err != nil {
			return err
		}
		req.Header.Set("X-SPC-Signature", token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", spec.Endpoint, resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) sign(ref *document.SecretRef, body []byte) (string, error) {
	secret, ok := n.cache.Get(ref.RefID)
	if !ok {
		return "", fmt.Errorf("signing secret %s not resolved; run a vault service first", ref.RefID)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"body_sha256": canonicalize.HashBytes(body),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign webhook: %w", err)
	}
	return signed, nil
}
