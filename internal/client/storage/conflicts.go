package storage

import (
	"context"
	"encoding/json"

	"github.com/fieldworks/fieldsync/internal/models"
)

//go:generate moq -out conflicts_mock.go . ConflictRegistry

// ConflictRegistry is the durable store of detected local/server
// divergences awaiting resolution.
type ConflictRegistry interface {
	// Record stores a detected conflict and returns its ID. Recording is
	// idempotent per (entityType, entityID) while unresolved: re-detecting
	// the same divergence updates ServerData in place instead of creating
	// a duplicate.
	Record(ctx context.Context, entityType, entityID string, localData, serverData json.RawMessage) (string, error)

	// GetConflict returns a conflict by ID.
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)

	// ListUnresolved returns all unresolved conflicts, oldest first.
	ListUnresolved(ctx context.Context) ([]*models.SyncConflict, error)

	// Resolve marks a conflict resolved. mergedData is required when
	// resolution is merged and ignored otherwise. Returns
	// ErrConflictResolved if the conflict was already resolved.
	Resolve(ctx context.Context, id string, resolution models.Resolution, mergedData json.RawMessage) (*models.SyncConflict, error)

	// CountUnresolved returns the number of unresolved conflicts.
	CountUnresolved(ctx context.Context) (int, error)
}
