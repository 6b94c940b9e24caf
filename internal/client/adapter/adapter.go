// Package adapter converts between local record JSON and the wire
// snapshots exchanged with the server. Each entity type has its own
// adapter that knows which fields are client-side bookkeeping and must
// never leave the device.
package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/fingerprint"
)

// Adapter translates one entity type between its local and wire forms.
type Adapter interface {
	// EntityType returns the type name this adapter handles.
	EntityType() string

	// ToWire converts local record data to the wire snapshot, dropping
	// local-only fields.
	ToWire(data json.RawMessage) (json.RawMessage, error)

	// FromWire converts a server snapshot to local record data. When the
	// local side already holds a record, its local-only fields are carried
	// over; pass nil local for a record first seen via pull.
	FromWire(snapshot, local json.RawMessage) (json.RawMessage, error)

	// Fingerprint hashes the conflict-relevant field set of local record
	// data. Two records with equal fingerprints are considered identical
	// for conflict detection.
	Fingerprint(data json.RawMessage) (string, error)
}

// Registry resolves adapters by entity type.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.EntityType()] = a
	}
	return r
}

// DefaultRegistry returns a registry covering every synced entity type.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewJobAdapter(),
		NewCustomerAdapter(),
		NewInvoiceAdapter(),
		NewTeamMemberAdapter(),
	)
}

// Get returns the adapter for an entity type.
func (r *Registry) Get(entityType string) (Adapter, error) {
	a, ok := r.adapters[entityType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for entity type %q", entityType)
	}
	return a, nil
}

// wireFingerprint is the shared Fingerprint implementation: hash the wire
// form so local-only edits never flip the fingerprint.
func wireFingerprint(a Adapter, data json.RawMessage) (string, error) {
	wire, err := a.ToWire(data)
	if err != nil {
		return "", err
	}
	return fingerprint.Hash(wire)
}
