package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fieldworks/fieldsync/internal/client/storage"
)

var (
	keySyncCursor   = []byte("sync_cursor")
	keyLastSyncTime = []byte("last_sync_time")
)

// GetSyncCursor returns the last saved pull cursor, or "" before the
// first successful sync.
func (s *Storage) GetSyncCursor(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var cursor string

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(keySyncCursor)
		if data != nil {
			cursor = string(data)
		}
		return nil
	})

	if err != nil {
		return "", fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return cursor, nil
}

// SaveSyncCursor stores the pull cursor.
func (s *Storage) SaveSyncCursor(ctx context.Context, cursor string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(keySyncCursor, []byte(cursor))
	})

	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// GetLastSyncTime returns the time of the last fully successful cycle,
// or the zero time if none has completed.
func (s *Storage) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var at time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(keyLastSyncTime)
		if len(data) == 8 {
			at = time.Unix(int64(binary.BigEndian.Uint64(data)), 0)
		}
		return nil
	})

	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	return at, nil
}

// SaveLastSyncTime stores the last successful cycle time.
func (s *Storage) SaveLastSyncTime(ctx context.Context, at time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.Unix()))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(keyLastSyncTime, buf)
	})

	if err != nil {
		return fmt.Errorf("failed to save last sync time: %w", err)
	}
	return nil
}
