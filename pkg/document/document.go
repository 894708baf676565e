// Package document defines the SPC (Service Primitive Configuration)
// document model: services, shared state, and metadata. Pure data with
// validation; execution semantics live in the kernel.
package document

import (
	"encoding/json"
	"fmt"
)

// Type identifies a service primitive kind.
type Type string

const (
	TypeConnector  Type = "connector"
	TypeProcessor  Type = "processor"
	TypeMonitor    Type = "monitor"
	TypeAdapter    Type = "adapter"
	TypeAggregator Type = "aggregator"
	TypeRouter     Type = "router"
	TypeIterator   Type = "iterator"
	TypeVault      Type = "vault"
)

// Types lists every recognized primitive type.
var Types = []Type{
	TypeConnector, TypeProcessor, TypeMonitor, TypeAdapter,
	TypeAggregator, TypeRouter, TypeIterator, TypeVault,
}

// Status is a service's lifecycle status.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Modifiers tune a service's lifecycle behavior. Persistent defaults to
// true when nil; the pointer keeps "unset" distinguishable from "false".
type Modifiers struct {
	Persistent *bool `json:"persistent,omitempty"`
	Hold       bool  `json:"hold,omitempty"`
	OneShot    bool  `json:"oneShot,omitempty"`
	Loop       bool  `json:"loop,omitempty"`
}

// IsPersistent reports the effective persistence of a service.
func (m Modifiers) IsPersistent() bool {
	return m.Persistent == nil || *m.Persistent
}

// Meta carries document metadata supplied by the editor collaborator.
type Meta struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Document is an SPC document: the declarative description of a pipeline.
type Document struct {
	SPCVersion string              `json:"spc_version"`
	Meta       Meta                `json:"meta"`
	Services   map[string]*Service `json:"services"`
	State      map[string]any      `json:"state"`
}

// Service is one declared service primitive. Spec is a tagged variant
// keyed by Type; a shape mismatch fails validation at load, never at
// execution time.
type Service struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title,omitempty"`
	Spec      Spec      `json:"spec"`
	Status    Status    `json:"status"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
	LastRun   *uint64   `json:"lastRun,omitempty"`
}

type serviceAlias struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Title     string          `json:"title,omitempty"`
	Spec      json.RawMessage `json:"spec"`
	Status    Status          `json:"status"`
	Modifiers Modifiers       `json:"modifiers,omitempty"`
	LastRun   *uint64         `json:"lastRun,omitempty"`
}

// UnmarshalJSON decodes the spec variant matching the declared type.
func (s *Service) UnmarshalJSON(data []byte) error {
	var alias serviceAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	s.ID = alias.ID
	s.Type = alias.Type
	s.Title = alias.Title
	s.Status = alias.Status
	s.Modifiers = alias.Modifiers
	s.LastRun = alias.LastRun

	if len(alias.Spec) == 0 {
		return fmt.Errorf("service %q: missing spec", alias.ID)
	}
	spec, err := decodeSpec(alias.Type, alias.Spec)
	if err != nil {
		return fmt.Errorf("service %q: %w", alias.ID, err)
	}
	s.Spec = spec
	return nil
}

// MarshalJSON re-emits the service with its concrete spec variant inline.
func (s *Service) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(s.Spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(serviceAlias{
		ID:        s.ID,
		Type:      s.Type,
		Title:     s.Title,
		Spec:      raw,
		Status:    s.Status,
		Modifiers: s.Modifiers,
		LastRun:   s.LastRun,
	})
}

// Clone returns a deep copy of the document. Shared state values are
// copied through JSON to sever aliasing with the running engine.
func (d *Document) Clone() (*Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	return &out, nil
}
