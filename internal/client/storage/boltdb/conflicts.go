package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/fieldworks/fieldsync/internal/client/storage"
	"github.com/fieldworks/fieldsync/internal/models"
)

// Record stores a detected conflict. While a conflict for the entity is
// unresolved, re-detecting it refreshes ServerData instead of adding a
// duplicate.
func (s *Storage) Record(ctx context.Context, entityType, entityID string, localData, serverData json.RawMessage) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var id string

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)

		existing, err := findUnresolvedConflict(bucket, entityType, entityID)
		if err != nil {
			return err
		}

		if existing != nil {
			existing.ServerData = serverData
			id = existing.ID
			return putConflict(bucket, existing)
		}

		conflict := &models.SyncConflict{
			ID:         uuid.New().String(),
			EntityType: entityType,
			EntityID:   entityID,
			LocalData:  localData,
			ServerData: serverData,
			DetectedAt: time.Now(),
		}
		id = conflict.ID
		return putConflict(bucket, conflict)
	})

	if err != nil {
		return "", fmt.Errorf("record conflict transaction failed: %w", err)
	}
	return id, nil
}

// Get returns a conflict by ID.
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var conflict *models.SyncConflict

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)

		data := bucket.Get([]byte(id))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		conflict = &models.SyncConflict{}
		if err := json.Unmarshal(data, conflict); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return conflict, nil
}

// ListUnresolved returns all unresolved conflicts, oldest first.
func (s *Storage) ListUnresolved(ctx context.Context) ([]*models.SyncConflict, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var conflicts []*models.SyncConflict

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)

		return bucket.ForEach(func(k, v []byte) error {
			var conflict models.SyncConflict
			if err := json.Unmarshal(v, &conflict); err != nil {
				return fmt.Errorf("failed to unmarshal conflict: %w", err)
			}
			if !conflict.Resolved {
				conflicts = append(conflicts, &conflict)
			}
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

// Resolve marks a conflict resolved. Resolved conflicts are immutable;
// resolving twice returns ErrConflictResolved.
func (s *Storage) Resolve(ctx context.Context, id string, resolution models.Resolution, mergedData json.RawMessage) (*models.SyncConflict, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	if resolution == models.ResolutionMerged && len(mergedData) == 0 {
		return nil, fmt.Errorf("merged resolution requires merged data")
	}

	var conflict *models.SyncConflict

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)

		data := bucket.Get([]byte(id))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		conflict = &models.SyncConflict{}
		if err := json.Unmarshal(data, conflict); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}

		if conflict.Resolved {
			return storage.ErrConflictResolved
		}

		conflict.Resolved = true
		conflict.Resolution = resolution
		conflict.ResolvedAt = time.Now()
		if resolution == models.ResolutionMerged {
			conflict.MergedData = mergedData
		}

		return putConflict(bucket, conflict)
	})

	if err != nil {
		return nil, err
	}
	return conflict, nil
}

// CountUnresolved returns the number of unresolved conflicts.
func (s *Storage) CountUnresolved(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)

		return bucket.ForEach(func(k, v []byte) error {
			var conflict models.SyncConflict
			if err := json.Unmarshal(v, &conflict); err != nil {
				return fmt.Errorf("failed to unmarshal conflict: %w", err)
			}
			if !conflict.Resolved {
				count++
			}
			return nil
		})
	})

	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

func putConflict(bucket *bbolt.Bucket, conflict *models.SyncConflict) error {
	data, err := json.Marshal(conflict)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	if err := bucket.Put([]byte(conflict.ID), data); err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func findUnresolvedConflict(bucket *bbolt.Bucket, entityType, entityID string) (*models.SyncConflict, error) {
	var found *models.SyncConflict

	err := bucket.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var conflict models.SyncConflict
		if err := json.Unmarshal(v, &conflict); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		if !conflict.Resolved && conflict.EntityType == entityType && conflict.EntityID == entityID {
			found = &conflict
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return found, nil
}
