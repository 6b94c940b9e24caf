package storage

import (
	"context"
	"time"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage persists sync bookkeeping that must survive restarts:
// the server-assigned pull cursor and the time of the last fully
// successful cycle.
type MetadataStorage interface {
	// GetSyncCursor returns the last saved pull cursor, or "" before the
	// first successful sync.
	GetSyncCursor(ctx context.Context) (string, error)

	// SaveSyncCursor stores the pull cursor.
	SaveSyncCursor(ctx context.Context, cursor string) error

	// GetLastSyncTime returns the time of the last fully successful
	// cycle, or the zero time if none has completed.
	GetLastSyncTime(ctx context.Context) (time.Time, error)

	// SaveLastSyncTime stores the last successful cycle time.
	SaveLastSyncTime(ctx context.Context, at time.Time) error
}
