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

// Enqueue adds a mutation to the queue, coalescing it with any queued
// intent for the same entity. A delete enqueued after a pending create
// collapses both and returns an empty operation ID.
func (s *Storage) Enqueue(ctx context.Context, op *models.SyncOperation) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}
	if op.EntityType == "" || op.EntityID == "" {
		return "", fmt.Errorf("entity type and id are required")
	}

	op = op.Clone()
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.New().String()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Priority == 0 {
		op.Priority = models.DefaultPriority(op.Kind)
	}
	op.Status = models.OpPending

	var resultID string

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		existing, err := findByEntity(bucket, op.EntityType, op.EntityID, models.OpPending, models.OpFailed)
		if err != nil {
			return err
		}

		if existing == nil {
			resultID = op.ID
			return putOperation(bucket, op)
		}

		// Create followed by delete: the entity never existed remotely,
		// so both intents cancel out.
		if existing.Kind == models.OpCreate && op.Kind == models.OpDelete {
			resultID = ""
			return bucket.Delete([]byte(existing.ID))
		}

		// Coalesce into the existing operation: keep its identity and
		// position, adopt the latest intent. A fresh intent supersedes an
		// earlier failure, so the retry state resets.
		coalesced := existing.Clone()
		coalesced.Payload = op.Payload
		coalesced.BaseFingerprint = op.BaseFingerprint
		if existing.Kind != models.OpCreate {
			coalesced.Kind = op.Kind
		}
		if op.Priority > coalesced.Priority {
			coalesced.Priority = op.Priority
		}
		coalesced.Status = models.OpPending
		coalesced.RetryCount = 0
		coalesced.LastError = ""
		coalesced.NextAttemptAt = 0

		resultID = coalesced.ID
		return putOperation(bucket, coalesced)
	})

	if err != nil {
		return "", fmt.Errorf("enqueue transaction failed: %w", err)
	}

	s.notifyQueue()
	return resultID, nil
}

// recoverInFlight returns operations stranded in_flight by a crash to
// pending, so they are transmitted again on the next cycle. The previous
// push may or may not have reached the server; the idempotency key makes
// the replay safe either way.
func (s *Storage) recoverInFlight() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		ops, err := allOperations(bucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Status != models.OpInFlight {
				continue
			}
			op.Status = models.OpPending
			op.NextAttemptAt = 0
			if err := putOperation(bucket, op); err != nil {
				return err
			}
		}
		return nil
	})
}

// DequeueNextBatch returns up to maxCount operations ready for
// transmission, ordered by priority descending then CreatedAt ascending.
func (s *Storage) DequeueNextBatch(ctx context.Context, maxCount int) ([]*models.SyncOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	now := time.Now().Unix()
	var ready []*models.SyncOperation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		ops, err := allOperations(bucket)
		if err != nil {
			return err
		}

		// Entities with an in-flight operation are skipped entirely so a
		// single entity is never processed twice in overlapping batches.
		inFlight := make(map[string]bool)
		for _, op := range ops {
			if op.Status == models.OpInFlight {
				inFlight[entityKey(op.EntityType, op.EntityID)] = true
			}
		}

		for _, op := range ops {
			if op.Status != models.OpPending {
				continue
			}
			if op.NextAttemptAt > now {
				continue
			}
			if inFlight[entityKey(op.EntityType, op.EntityID)] {
				continue
			}
			ready = append(ready, op)
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	if maxCount > 0 && len(ready) > maxCount {
		ready = ready[:maxCount]
	}

	return ready, nil
}

// Get returns a single operation by ID.
func (s *Storage) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var op *models.SyncOperation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		data := bucket.Get([]byte(id))
		if data == nil {
			return storage.ErrOperationNotFound
		}

		op = &models.SyncOperation{}
		if err := json.Unmarshal(data, op); err != nil {
			return fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return op, nil
}

// GetByEntity returns the queued operation for an entity regardless of
// status.
func (s *Storage) GetByEntity(ctx context.Context, entityType, entityID string) (*models.SyncOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var op *models.SyncOperation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		found, err := findByEntity(bucket, entityType, entityID,
			models.OpPending, models.OpInFlight, models.OpFailed)
		if err != nil {
			return err
		}
		if found == nil {
			return storage.ErrOperationNotFound
		}
		op = found
		return nil
	})

	if err != nil {
		return nil, err
	}
	return op, nil
}

// MarkInFlight transitions operations to in_flight before transmission.
func (s *Storage) MarkInFlight(ctx context.Context, ids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	now := time.Now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		for _, id := range ids {
			op, err := getOperation(bucket, id)
			if err != nil {
				return err
			}
			op.Status = models.OpInFlight
			op.LastAttemptAt = now
			if err := putOperation(bucket, op); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("mark in-flight transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// MarkSucceeded removes operations after confirmed server acceptance.
func (s *Storage) MarkSucceeded(ctx context.Context, ids []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return fmt.Errorf("failed to delete operation %s: %w", id, err)
			}
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("mark succeeded transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// MarkFailed records a transient failure, scheduling a retry with
// exponential backoff or moving the operation to failed once the retry
// ceiling is reached.
func (s *Storage) MarkFailed(ctx context.Context, id string, opErr string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		op, err := getOperation(bucket, id)
		if err != nil {
			return err
		}

		op.RetryCount++
		op.LastError = opErr
		op.LastAttemptAt = time.Now()

		if op.RetryCount >= s.opts.MaxRetries {
			op.Status = models.OpFailed
		} else {
			op.Status = models.OpPending
			op.NextAttemptAt = time.Now().Add(s.retryBackoff(op.RetryCount)).Unix()
		}

		return putOperation(bucket, op)
	})

	if err != nil {
		return fmt.Errorf("mark failed transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// MarkRejected moves an operation straight to failed.
func (s *Storage) MarkRejected(ctx context.Context, id string, opErr string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		op, err := getOperation(bucket, id)
		if err != nil {
			return err
		}

		op.Status = models.OpFailed
		op.LastError = opErr
		op.LastAttemptAt = time.Now()

		return putOperation(bucket, op)
	})

	if err != nil {
		return fmt.Errorf("mark rejected transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// Remove deletes an operation outright.
func (s *Storage) Remove(ctx context.Context, id string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		if bucket.Get([]byte(id)) == nil {
			return storage.ErrOperationNotFound
		}
		return bucket.Delete([]byte(id))
	})

	if err != nil {
		return err
	}

	s.notifyQueue()
	return nil
}

// RemapEntityID rewrites a temporary entity ID to the server-assigned ID
// across all queued operations and queued payload references.
func (s *Storage) RemapEntityID(ctx context.Context, entityType, oldID, newID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		ops, err := allOperations(bucket)
		if err != nil {
			return err
		}

		for _, op := range ops {
			changed := false

			if op.EntityType == entityType && op.EntityID == oldID {
				op.EntityID = newID
				changed = true
			}

			if len(op.Payload) > 0 {
				rewritten, payloadChanged, err := rewriteStringFields(op.Payload, oldID, newID)
				if err != nil {
					return fmt.Errorf("failed to rewrite payload of %s: %w", op.ID, err)
				}
				if payloadChanged {
					op.Payload = rewritten
					changed = true
				}
			}

			if changed {
				if err := putOperation(bucket, op); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("remap transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// CountPending returns the number of pending operations.
func (s *Storage) CountPending(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		ops, err := allOperations(bucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Status == models.OpPending || op.Status == models.OpInFlight {
				count++
			}
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// ListFailed returns operations stuck in failed state, oldest first.
func (s *Storage) ListFailed(ctx context.Context) ([]*models.SyncOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var failed []*models.SyncOperation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOperations)

		ops, err := allOperations(bucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Status == models.OpFailed {
				failed = append(failed, op)
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.Before(failed[j].CreatedAt)
	})
	return failed, nil
}

// PurgeAll drops every queued operation.
func (s *Storage) PurgeAll(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketOperations); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		if _, err := tx.CreateBucket(bucketOperations); err != nil {
			return fmt.Errorf("failed to recreate bucket: %w", err)
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("purge transaction failed: %w", err)
	}

	s.notifyQueue()
	return nil
}

// retryBackoff doubles the base delay per retry, capped.
func (s *Storage) retryBackoff(retryCount int) time.Duration {
	backoff := s.opts.BackoffBase << uint(retryCount-1)
	if backoff > s.opts.BackoffCap || backoff <= 0 {
		backoff = s.opts.BackoffCap
	}
	return backoff
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func getOperation(bucket *bbolt.Bucket, id string) (*models.SyncOperation, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, storage.ErrOperationNotFound
	}

	op := &models.SyncOperation{}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return op, nil
}

func putOperation(bucket *bbolt.Bucket, op *models.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := bucket.Put([]byte(op.ID), data); err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func allOperations(bucket *bbolt.Bucket) ([]*models.SyncOperation, error) {
	var ops []*models.SyncOperation

	err := bucket.ForEach(func(k, v []byte) error {
		var op models.SyncOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		ops = append(ops, &op)
		return nil
	})

	if err != nil {
		return nil, err
	}
	return ops, nil
}

// findByEntity returns the first operation for the entity whose status is
// in the given set, or nil.
func findByEntity(bucket *bbolt.Bucket, entityType, entityID string, statuses ...models.OperationStatus) (*models.SyncOperation, error) {
	ops, err := allOperations(bucket)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if op.EntityType != entityType || op.EntityID != entityID {
			continue
		}
		for _, st := range statuses {
			if op.Status == st {
				return op, nil
			}
		}
	}
	return nil, nil
}

// rewriteStringFields replaces top-level string field values equal to
// oldID with newID. Foreign keys in payloads are plain top-level fields
// (customer_id, job_id), so a deep walk is not needed.
func rewriteStringFields(raw json.RawMessage, oldID, newID string) (json.RawMessage, bool, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}

	changed := false
	for key, value := range doc {
		if str, ok := value.(string); ok && str == oldID {
			doc[key] = newID
			changed = true
		}
	}

	if !changed {
		return raw, false, nil
	}

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return rewritten, true, nil
}
