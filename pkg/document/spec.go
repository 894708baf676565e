package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Spec is the tagged spec variant of a service. Exactly one concrete type
// exists per primitive type.
type Spec interface {
	// SpecType returns the primitive type this spec shape belongs to.
	SpecType() Type

	// Validate checks required fields. Called at document load.
	Validate() error
}

// ConnectorSpec resolves an external resource and writes it to OutputKey.
type ConnectorSpec struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	OutputKey string            `json:"outputKey"`
	RateKey   string            `json:"rateKey,omitempty"`
}

func (ConnectorSpec) SpecType() Type { return TypeConnector }

func (s ConnectorSpec) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("connector: url is required")
	}
	if s.OutputKey == "" {
		return fmt.Errorf("connector: outputKey is required")
	}
	return nil
}

// PipeOp is a processor pipe operation.
type PipeOp string

const (
	PipeSelect PipeOp = "select" // filter predicate over rows
	PipeDerive PipeOp = "derive" // field computation per row
)

// Pipe is one step in a processor's ordered pipe sequence.
type Pipe struct {
	Op   PipeOp `json:"op"`
	Expr string `json:"expr"`
	As   string `json:"as,omitempty"` // derive target field
}

// ProcessorSpec applies ordered pipes over the value at InputKey.
type ProcessorSpec struct {
	InputKey  string `json:"inputKey"`
	OutputKey string `json:"outputKey"`
	Pipes     []Pipe `json:"pipes"`
}

func (ProcessorSpec) SpecType() Type { return TypeProcessor }

func (s ProcessorSpec) Validate() error {
	if s.InputKey == "" {
		return fmt.Errorf("processor: inputKey is required")
	}
	if s.OutputKey == "" {
		return fmt.Errorf("processor: outputKey is required")
	}
	for i, p := range s.Pipes {
		switch p.Op {
		case PipeSelect:
			if p.Expr == "" {
				return fmt.Errorf("processor: pipe %d: select requires expr", i)
			}
		case PipeDerive:
			if p.Expr == "" || p.As == "" {
				return fmt.Errorf("processor: pipe %d: derive requires expr and as", i)
			}
		default:
			return fmt.Errorf("processor: pipe %d: unknown op %q", i, p.Op)
		}
	}
	return nil
}

// EmitPolicy controls when a monitor emits events for true checks.
type EmitPolicy string

const (
	EmitOnChange EmitPolicy = "onChange" // only on false -> true transitions
	EmitOnTrue   EmitPolicy = "onTrue"   // every tick the check holds
)

// Check is a named boolean expression evaluated against a monitor's data key.
type Check struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// MonitorSpec evaluates named boolean checks against DataKey.
type MonitorSpec struct {
	DataKey   string     `json:"dataKey"`
	Checks    []Check    `json:"checks"`
	Emit      EmitPolicy `json:"emit,omitempty"`
	OutputKey string     `json:"outputKey,omitempty"`
}

func (MonitorSpec) SpecType() Type { return TypeMonitor }

func (s MonitorSpec) Validate() error {
	if s.DataKey == "" {
		return fmt.Errorf("monitor: dataKey is required")
	}
	if len(s.Checks) == 0 {
		return fmt.Errorf("monitor: at least one check is required")
	}
	for i, c := range s.Checks {
		if c.Name == "" || c.Expr == "" {
			return fmt.Errorf("monitor: check %d: name and expr are required", i)
		}
	}
	switch s.Emit {
	case "", EmitOnChange, EmitOnTrue:
	default:
		return fmt.Errorf("monitor: unknown emit policy %q", s.Emit)
	}
	return nil
}

// SecretRef references a secret without containing its value. Only the
// RefID may ever appear in events or the audit ledger.
type SecretRef struct {
	RefID    string `json:"ref_id"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
	Version  string `json:"version,omitempty"`
}

// AdapterSpec performs a declared side effect exactly once per effective
// idempotency key. When TriggerKey is set the adapter fires only while the
// value under it is truthy, and the effective key tracks that value, so a
// false -> true toggle arms the adapter again.
type AdapterSpec struct {
	Kind             string     `json:"kind"`
	Endpoint         string     `json:"endpoint,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key"`
	PayloadKey       string     `json:"payloadKey,omitempty"`
	TriggerKey       string     `json:"triggerKey,omitempty"`
	SigningSecretRef *SecretRef `json:"signingSecretRef,omitempty"`
}

func (AdapterSpec) SpecType() Type { return TypeAdapter }

func (s AdapterSpec) Validate() error {
	if s.Kind == "" {
		return fmt.Errorf("adapter: kind is required")
	}
	if s.IdempotencyKey == "" {
		return fmt.Errorf("adapter: idempotency_key is required")
	}
	return nil
}

// ReduceEmit selects the reduction an aggregator emits from its window.
type ReduceEmit string

const (
	ReduceLatest ReduceEmit = "latest"
	ReduceSum    ReduceEmit = "sum"
	ReduceAvg    ReduceEmit = "avg"
	ReduceMin    ReduceEmit = "min"
	ReduceMax    ReduceEmit = "max"
	ReduceCount  ReduceEmit = "count"
)

// AggregatorSpec maintains a time-windowed reduction over InputKey.
type AggregatorSpec struct {
	InputKey  string `json:"inputKey"`
	OutputKey string `json:"outputKey"`
	Window    struct {
		SizeSec int `json:"size_sec"`
	} `json:"window"`
	Reduce struct {
		Emit ReduceEmit `json:"emit"`
	} `json:"reduce"`
}

func (AggregatorSpec) SpecType() Type { return TypeAggregator }

func (s AggregatorSpec) Validate() error {
	if s.InputKey == "" {
		return fmt.Errorf("aggregator: inputKey is required")
	}
	if s.OutputKey == "" {
		return fmt.Errorf("aggregator: outputKey is required")
	}
	if s.Window.SizeSec <= 0 {
		return fmt.Errorf("aggregator: window.size_sec must be positive")
	}
	switch s.Reduce.Emit {
	case ReduceLatest, ReduceSum, ReduceAvg, ReduceMin, ReduceMax, ReduceCount:
	default:
		return fmt.Errorf("aggregator: unknown reduce.emit %q", s.Reduce.Emit)
	}
	return nil
}

// RouteAction names services the router starts or stops when its branch
// is taken.
type RouteAction struct {
	Start []string `json:"start,omitempty"`
	Stop  []string `json:"stop,omitempty"`
}

// RouterSpec evaluates a condition and starts/stops downstream services.
// The router is the only primitive permitted to mutate other services'
// status, and it does so via its patch, never directly.
type RouterSpec struct {
	Expr    string      `json:"expr"`
	OnTrue  RouteAction `json:"onTrue,omitempty"`
	OnFalse RouteAction `json:"onFalse,omitempty"`
}

func (RouterSpec) SpecType() Type { return TypeRouter }

func (s RouterSpec) Validate() error {
	if s.Expr == "" {
		return fmt.Errorf("router: expr is required")
	}
	return nil
}

// IteratorSpec advances an index over a bound sequence, one element per
// tick, stopping when exhausted unless the loop modifier is set.
type IteratorSpec struct {
	SourceKey string `json:"sourceKey,omitempty"`
	Items     []any  `json:"items,omitempty"`
	OutputKey string `json:"outputKey"`
	IndexKey  string `json:"indexKey,omitempty"`
}

func (IteratorSpec) SpecType() Type { return TypeIterator }

func (s IteratorSpec) Validate() error {
	if s.SourceKey == "" && len(s.Items) == 0 {
		return fmt.Errorf("iterator: sourceKey or items is required")
	}
	if s.OutputKey == "" {
		return fmt.Errorf("iterator: outputKey is required")
	}
	return nil
}

// VaultSpec resolves declared secrets from a provider. Resolved values are
// cached in-process for other handlers; only reference identifiers reach
// the shared state, events, or the ledger.
type VaultSpec struct {
	Secrets   []SecretRef `json:"secrets"`
	OutputKey string      `json:"outputKey,omitempty"`
}

func (VaultSpec) SpecType() Type { return TypeVault }

func (s VaultSpec) Validate() error {
	if len(s.Secrets) == 0 {
		return fmt.Errorf("vault: at least one secret is required")
	}
	for i, ref := range s.Secrets {
		if ref.RefID == "" || ref.Provider == "" || ref.Path == "" {
			return fmt.Errorf("vault: secret %d: ref_id, provider and path are required", i)
		}
	}
	return nil
}

// decodeSpec decodes raw spec JSON into the variant matching t. Unknown
// fields are rejected so a spec written for one type cannot slip through
// validation under another.
func decodeSpec(t Type, raw json.RawMessage) (Spec, error) {
	var spec Spec
	switch t {
	case TypeConnector:
		spec = &ConnectorSpec{}
	case TypeProcessor:
		spec = &ProcessorSpec{}
	case TypeMonitor:
		spec = &MonitorSpec{}
	case TypeAdapter:
		spec = &AdapterSpec{}
	case TypeAggregator:
		spec = &AggregatorSpec{}
	case TypeRouter:
		spec = &RouterSpec{}
	case TypeIterator:
		spec = &IteratorSpec{}
	case TypeVault:
		spec = &VaultSpec{}
	default:
		return nil, fmt.Errorf("unknown primitive type %q", t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("spec does not match type %q: %w", t, err)
	}
	return spec, nil
}
