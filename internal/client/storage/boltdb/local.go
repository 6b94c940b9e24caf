package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fieldworks/fieldsync/internal/client/storage"
	"github.com/fieldworks/fieldsync/internal/models"
)

// ReadRecord returns a record, including soft-deleted ones.
func (s *Storage) ReadRecord(ctx context.Context, entityType, entityID string) (*models.LocalRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var rec *models.LocalRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)

		data := bucket.Get([]byte(recordKey(entityType, entityID)))
		if data == nil {
			return storage.ErrRecordNotFound
		}

		rec = &models.LocalRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteRecord stores or replaces a record and notifies observers.
func (s *Storage) WriteRecord(ctx context.Context, rec *models.LocalRecord) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if rec.EntityType == "" || rec.EntityID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	stored := rec.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketRecords), stored)
	})

	if err != nil {
		return fmt.Errorf("write record transaction failed: %w", err)
	}

	s.notifyRecord(models.LocalChange{
		EntityType: stored.EntityType,
		EntityID:   stored.EntityID,
		Kind:       models.ChangeWrite,
	})
	return nil
}

// SoftDeleteRecord marks a record deleted without removing it.
func (s *Storage) SoftDeleteRecord(ctx context.Context, entityType, entityID string, deletedAt time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)

		data := bucket.Get([]byte(recordKey(entityType, entityID)))
		if data == nil {
			return storage.ErrRecordNotFound
		}

		var rec models.LocalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}

		rec.Deleted = true
		rec.DeletedAt = &deletedAt
		rec.UpdatedAt = deletedAt

		return putRecord(bucket, &rec)
	})

	if err != nil {
		return err
	}

	s.notifyRecord(models.LocalChange{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       models.ChangeDelete,
	})
	return nil
}

// ListRecords returns all non-deleted records of a type, ordered by
// entity ID.
func (s *Storage) ListRecords(ctx context.Context, entityType string) ([]*models.LocalRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var records []*models.LocalRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)

		return bucket.ForEach(func(k, v []byte) error {
			var rec models.LocalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if rec.EntityType == entityType && !rec.Deleted {
				records = append(records, &rec)
			}
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].EntityID < records[j].EntityID
	})
	return records, nil
}

// RemapRecordID renames a record from a temporary local ID to the
// server-assigned ID and rewrites matching references in other records'
// fields. Rename and reference rewrite happen in one transaction so a
// crash can never leave a dangling temporary reference.
func (s *Storage) RemapRecordID(ctx context.Context, entityType, oldID, newID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	var changed []models.LocalChange

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)

		oldKey := []byte(recordKey(entityType, oldID))
		data := bucket.Get(oldKey)
		if data == nil {
			return storage.ErrRecordNotFound
		}

		var rec models.LocalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}

		rec.EntityID = newID
		if len(rec.Data) > 0 {
			rewritten, _, err := rewriteStringFields(rec.Data, oldID, newID)
			if err != nil {
				return fmt.Errorf("failed to rewrite record data: %w", err)
			}
			rec.Data = rewritten
		}

		if err := bucket.Delete(oldKey); err != nil {
			return fmt.Errorf("failed to delete old record key: %w", err)
		}
		if err := putRecord(bucket, &rec); err != nil {
			return err
		}
		changed = append(changed, models.LocalChange{
			EntityType: entityType,
			EntityID:   newID,
			Kind:       models.ChangeWrite,
		})

		// Rewrite references held by every other record.
		var referencing []*models.LocalRecord
		err := bucket.ForEach(func(k, v []byte) error {
			var other models.LocalRecord
			if err := json.Unmarshal(v, &other); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if other.EntityType == entityType && other.EntityID == newID {
				return nil
			}
			if len(other.Data) == 0 {
				return nil
			}
			rewritten, refChanged, err := rewriteStringFields(other.Data, oldID, newID)
			if err != nil {
				return fmt.Errorf("failed to rewrite references: %w", err)
			}
			if refChanged {
				other.Data = rewritten
				referencing = append(referencing, &other)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, other := range referencing {
			if err := putRecord(bucket, other); err != nil {
				return err
			}
			changed = append(changed, models.LocalChange{
				EntityType: other.EntityType,
				EntityID:   other.EntityID,
				Kind:       models.ChangeWrite,
			})
		}
		return nil
	})

	if err != nil {
		return err
	}

	for _, ch := range changed {
		s.notifyRecord(ch)
	}
	return nil
}

func recordKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func putRecord(bucket *bbolt.Bucket, rec *models.LocalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := bucket.Put([]byte(recordKey(rec.EntityType, rec.EntityID)), data); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}
