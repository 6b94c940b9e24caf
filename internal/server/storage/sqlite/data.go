package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/server/storage"
)

// GetEntity retrieves an entity, including soft-deleted ones.
func (s *Storage) GetEntity(ctx context.Context, entityType, entityID string) (*storage.Entity, error) {
	query := `
		SELECT entity_type, entity_id, snapshot, fingerprint, seq, deleted_at, updated_at
		FROM entities
		WHERE entity_type = ? AND entity_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, entityType, entityID)
	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

// UpsertEntity creates or replaces an entity snapshot, assigning it the
// next change sequence number.
func (s *Storage) UpsertEntity(ctx context.Context, entityType, entityID string, snapshot json.RawMessage, fingerprint string) error {
	query := `
		INSERT INTO entities (entity_type, entity_id, snapshot, fingerprint, seq, deleted_at, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities), NULL, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			snapshot    = excluded.snapshot,
			fingerprint = excluded.fingerprint,
			seq         = excluded.seq,
			deleted_at  = NULL,
			updated_at  = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entityType, entityID, string(snapshot), fingerprint, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// DeleteEntity soft-deletes an entity and bumps its sequence number.
func (s *Storage) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	query := `
		UPDATE entities
		SET deleted_at = ?,
		    seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities),
		    updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, query, now, now, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return storage.ErrEntityNotFound
	}
	return nil
}

// ChangesSince returns entities changed after the given sequence number,
// ordered by seq ascending.
func (s *Storage) ChangesSince(ctx context.Context, since int64) ([]*storage.Entity, error) {
	query := `
		SELECT entity_type, entity_id, snapshot, fingerprint, seq, deleted_at, updated_at
		FROM entities
		WHERE seq > ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var entities []*storage.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return entities, nil
}

// MaxSeq returns the highest assigned sequence number, 0 when empty.
func (s *Storage) MaxSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM entities`).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return maxSeq, nil
}

// NextEntityID allocates the next server ID for a type, e.g. "job-42".
func (s *Storage) NextEntityID(ctx context.Context, entityType string) (string, error) {
	query := `
		INSERT INTO id_counters (entity_type, next_value)
		VALUES (?, 2)
		ON CONFLICT (entity_type) DO UPDATE SET next_value = next_value + 1
		RETURNING next_value - 1
	`

	var n int64
	if err := s.db.QueryRowContext(ctx, query, entityType).Scan(&n); err != nil {
		return "", fmt.Errorf("failed to allocate entity id: %w", err)
	}
	return fmt.Sprintf("%s-%d", entityType, n), nil
}

// GetPushResult returns the recorded result for an idempotency key.
func (s *Storage) GetPushResult(ctx context.Context, key string) (json.RawMessage, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE key = ?`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get push result: %w", err)
	}
	return json.RawMessage(result), nil
}

// SavePushResult records the result for an idempotency key.
func (s *Storage) SavePushResult(ctx context.Context, key string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (key, result, created_at) VALUES (?, ?, ?)`,
		key, string(result), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save push result: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*storage.Entity, error) {
	var (
		entity    storage.Entity
		snapshot  string
		deletedAt sql.NullInt64
		updatedAt int64
	)

	err := row.Scan(&entity.EntityType, &entity.EntityID, &snapshot,
		&entity.Fingerprint, &entity.Seq, &deletedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entity.Snapshot = json.RawMessage(snapshot)
	entity.UpdatedAt = time.Unix(updatedAt, 0)
	if deletedAt.Valid {
		at := time.Unix(deletedAt.Int64, 0)
		entity.DeletedAt = &at
	}
	return &entity, nil
}
