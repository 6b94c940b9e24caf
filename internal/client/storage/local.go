package storage

import (
	"context"
	"time"

	"github.com/fieldworks/fieldsync/internal/models"
)

//go:generate moq -out local_mock.go . LocalStore

// LocalStore is the embedded record store the UI reads and the engine
// reconciles against. Deletes are always soft until confirmed remotely;
// the engine never hard-deletes a record the server still knows about.
type LocalStore interface {
	// ReadRecord returns a record, including soft-deleted ones.
	ReadRecord(ctx context.Context, entityType, entityID string) (*models.LocalRecord, error)

	// WriteRecord stores or replaces a record and notifies observers.
	WriteRecord(ctx context.Context, rec *models.LocalRecord) error

	// SoftDeleteRecord marks a record deleted without removing it.
	SoftDeleteRecord(ctx context.Context, entityType, entityID string, deletedAt time.Time) error

	// ListRecords returns all non-deleted records of a type.
	ListRecords(ctx context.Context, entityType string) ([]*models.LocalRecord, error)

	// RemapRecordID renames a record from a temporary local ID to the
	// server-assigned ID and rewrites matching references in other
	// records' fields, all within one transaction.
	RemapRecordID(ctx context.Context, entityType, oldID, newID string) error

	// ObserveChanges registers an observer for records of a type
	// ("" observes every type) and returns an unsubscribe func.
	ObserveChanges(entityType string, fn func(models.LocalChange)) func()
}
