package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// ErrValidation marks a document that failed load validation. A run never
// starts from an invalid document.
var ErrValidation = errors.New("document validation failed")

// VersionConstraint is the recognized range of SPC schema versions.
const VersionConstraint = ">= 1.0.0, < 2.0.0"

// documentSchema is the structural JSON Schema checked before decoding.
// Per-variant spec shapes are enforced by the typed decoder; the schema
// guards the envelope: required fields, status and type enums.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["spc_version", "services"],
  "properties": {
    "spc_version": {"type": "string", "minLength": 1},
    "meta": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "created_at": {"type": "string"}
      }
    },
    "services": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type", "spec"],
        "properties": {
          "type": {
            "enum": ["connector", "processor", "monitor", "adapter",
                     "aggregator", "router", "iterator", "vault"]
          },
          "spec": {"type": "object"},
          "status": {"enum": ["running", "stopped"]}
        }
      }
    },
    "state": {"type": "object"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://spc.schemas.local/document.schema.json"
	if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("document schema load failed: %v", err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("document schema compile failed: %v", err))
	}
	return schema
}

// Load parses and validates an SPC document. It rejects a missing
// spc_version, a missing services map, an unrecognized schema version, and
// any service whose spec shape does not match its declared type.
func Load(data []byte) (*Document, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks cross-field invariants after decoding. Service IDs are
// filled from map keys; state keys are normalized to NFC so key identity
// is byte-stable across producers.
func (d *Document) Validate() error {
	if d.SPCVersion == "" {
		return fmt.Errorf("%w: missing spc_version", ErrValidation)
	}
	v, err := semver.NewVersion(d.SPCVersion)
	if err != nil {
		return fmt.Errorf("%w: spc_version %q is not a semantic version", ErrValidation, d.SPCVersion)
	}
	constraint, err := semver.NewConstraint(VersionConstraint)
	if err != nil {
		return fmt.Errorf("version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: spc_version %q outside recognized range %s", ErrValidation, d.SPCVersion, VersionConstraint)
	}

	if d.Services == nil {
		return fmt.Errorf("%w: missing services", ErrValidation)
	}

	for id, svc := range d.Services {
		if svc == nil {
			return fmt.Errorf("%w: service %q is null", ErrValidation, id)
		}
		if svc.ID == "" {
			svc.ID = id
		} else if svc.ID != id {
			return fmt.Errorf("%w: service %q declares mismatched id %q", ErrValidation, id, svc.ID)
		}
		if svc.Spec == nil {
			return fmt.Errorf("%w: service %q: missing spec", ErrValidation, id)
		}
		if svc.Spec.SpecType() != svc.Type {
			return fmt.Errorf("%w: service %q: spec shape is %q, declared type is %q",
				ErrValidation, id, svc.Spec.SpecType(), svc.Type)
		}
		if err := svc.Spec.Validate(); err != nil {
			return fmt.Errorf("%w: service %q: %v", ErrValidation, id, err)
		}
		switch svc.Status {
		case StatusRunning, StatusStopped:
		case "":
			svc.Status = StatusStopped
		default:
			return fmt.Errorf("%w: service %q: unknown status %q", ErrValidation, id, svc.Status)
		}
	}

	if d.State == nil {
		d.State = make(map[string]any)
	} else {
		d.State = normalizeKeys(d.State)
	}
	return nil
}

// normalizeKeys rewrites state keys into Unicode NFC.
func normalizeKeys(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[norm.NFC.String(k)] = v
	}
	return out
}
