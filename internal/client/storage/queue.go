package storage

import (
	"context"

	"github.com/fieldworks/fieldsync/internal/models"
)

//go:generate moq -out queue_mock.go . OperationQueue

// OperationQueue is the durable, ordered store of pending local mutations.
//
// Coalescing: Enqueue for an entity that already has a pending (or failed)
// operation replaces the queued intent instead of appending, and a delete
// enqueued after a pending create removes both, since the entity never existed
// remotely. At most one operation per entity is ever in flight.
type OperationQueue interface {
	// Enqueue adds or coalesces a mutation and returns the operation ID.
	// A collapsed create+delete pair returns an empty ID.
	Enqueue(ctx context.Context, op *models.SyncOperation) (string, error)

	// DequeueNextBatch returns up to maxCount operations ready for
	// transmission, ordered by priority descending then CreatedAt
	// ascending. In-flight and failed operations are excluded, as are
	// operations whose backoff window has not elapsed.
	DequeueNextBatch(ctx context.Context, maxCount int) ([]*models.SyncOperation, error)

	// Get returns a single operation by ID.
	Get(ctx context.Context, id string) (*models.SyncOperation, error)

	// GetByEntity returns the queued operation for an entity regardless of
	// status, or ErrOperationNotFound.
	GetByEntity(ctx context.Context, entityType, entityID string) (*models.SyncOperation, error)

	// MarkInFlight transitions operations to in_flight before transmission.
	MarkInFlight(ctx context.Context, ids []string) error

	// MarkSucceeded removes operations after confirmed server acceptance.
	MarkSucceeded(ctx context.Context, ids []string) error

	// MarkFailed records a transient failure: increments RetryCount,
	// schedules the next attempt with backoff, and moves the operation to
	// failed once the retry ceiling is reached.
	MarkFailed(ctx context.Context, id string, opErr string) error

	// MarkRejected moves an operation straight to failed with no further
	// automatic retries. Used for permanent (validation) rejections.
	MarkRejected(ctx context.Context, id string, opErr string) error

	// Remove deletes an operation outright, e.g. when it is converted
	// into a conflict.
	Remove(ctx context.Context, id string) error

	// RemapEntityID rewrites a temporary local entity ID to the
	// server-assigned ID across all queued operations, including
	// references inside queued payloads.
	RemapEntityID(ctx context.Context, entityType, oldID, newID string) error

	// CountPending returns the number of pending operations.
	CountPending(ctx context.Context) (int, error)

	// ListFailed returns operations stuck in failed state.
	ListFailed(ctx context.Context) ([]*models.SyncOperation, error)

	// PurgeAll drops every queued operation.
	PurgeAll(ctx context.Context) error

	// Subscribe registers a callback fired after every queue mutation so
	// the status publisher can recompute counts without polling. Returns
	// an unsubscribe func.
	Subscribe(fn func()) func()
}
