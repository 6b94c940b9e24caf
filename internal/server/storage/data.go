// Package storage defines the persistence interfaces of the dev sync
// server.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Entity is one server-side record with its change sequence number.
// Seq increases monotonically across all entities; the pull cursor is
// the highest seq a client has seen.
type Entity struct {
	UpdatedAt   time.Time
	DeletedAt   *time.Time
	EntityType  string
	EntityID    string
	Fingerprint string
	Snapshot    json.RawMessage
	Seq         int64
}

// SyncStorage persists entities, their change feed and idempotency
// results for replay protection.
type SyncStorage interface {
	// GetEntity retrieves an entity, including soft-deleted ones.
	// Returns ErrEntityNotFound if the entity was never created.
	GetEntity(ctx context.Context, entityType, entityID string) (*Entity, error)

	// UpsertEntity creates or replaces an entity snapshot, assigning it
	// the next change sequence number.
	UpsertEntity(ctx context.Context, entityType, entityID string, snapshot json.RawMessage, fingerprint string) error

	// DeleteEntity soft-deletes an entity and bumps its sequence number so
	// the deletion reaches pulling clients.
	// Returns ErrEntityNotFound if the entity was never created.
	DeleteEntity(ctx context.Context, entityType, entityID string) error

	// ChangesSince returns entities changed after the given sequence
	// number, ordered by seq ascending.
	ChangesSince(ctx context.Context, since int64) ([]*Entity, error)

	// MaxSeq returns the highest assigned sequence number, 0 when empty.
	MaxSeq(ctx context.Context) (int64, error)

	// NextEntityID allocates the next server ID for a type, e.g. "job-42".
	NextEntityID(ctx context.Context, entityType string) (string, error)

	// GetPushResult returns the recorded result for an idempotency key.
	// Returns ErrKeyNotFound for keys never seen.
	GetPushResult(ctx context.Context, key string) (json.RawMessage, error)

	// SavePushResult records the result for an idempotency key so a
	// replayed push returns the original verdict.
	SavePushResult(ctx context.Context, key string, result json.RawMessage) error
}
