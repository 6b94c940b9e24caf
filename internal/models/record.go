package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Entity type names registered with the adapter registry.
const (
	EntityTypeJob        = "job"
	EntityTypeCustomer   = "customer"
	EntityTypeInvoice    = "invoice"
	EntityTypeTeamMember = "team_member"
)

// TempIDPrefix marks locally generated entity IDs that have not been
// assigned a server ID yet. They are rewritten in place when the server
// accepts the create.
const TempIDPrefix = "tmp-"

// IsTempID reports whether an entity ID is a locally generated temporary
// identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// LocalRecord is the generic container the engine stores per entity in
// the local store. Data holds the full record JSON owned by the entity
// adapter; BaseFingerprint is the fingerprint of the last state known to
// match the server and drives conflict detection.
type LocalRecord struct {
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	BaseFingerprint string          `json:"base_fingerprint,omitempty"`
	Data            json.RawMessage `json:"data"`
	Deleted         bool            `json:"deleted"`
}

// Clone creates a deep copy of the record.
func (r *LocalRecord) Clone() *LocalRecord {
	data := make(json.RawMessage, len(r.Data))
	copy(data, r.Data)

	clone := *r
	clone.Data = data
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		clone.DeletedAt = &at
	}
	return &clone
}

// ChangeKind classifies a local store change event.
type ChangeKind string

const (
	ChangeWrite  ChangeKind = "write"
	ChangeDelete ChangeKind = "delete"
)

// LocalChange is delivered to local store observers after every write or
// soft delete.
type LocalChange struct {
	EntityType string
	EntityID   string
	Kind       ChangeKind
}
