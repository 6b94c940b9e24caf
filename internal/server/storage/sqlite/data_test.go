package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/server/storage"
)

func createTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestUpsertGetEntity(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	snapshot := json.RawMessage(`{"id":"job-1","title":"Fix boiler"}`)
	require.NoError(t, store.UpsertEntity(ctx, "job", "job-1", snapshot, "fp-1"))

	entity, err := store.GetEntity(ctx, "job", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job", entity.EntityType)
	assert.Equal(t, "fp-1", entity.Fingerprint)
	assert.JSONEq(t, string(snapshot), string(entity.Snapshot))
	assert.Equal(t, int64(1), entity.Seq)
	assert.Nil(t, entity.DeletedAt)

	// Replacing bumps the sequence number.
	require.NoError(t, store.UpsertEntity(ctx, "job", "job-1", snapshot, "fp-2"))
	entity, err = store.GetEntity(ctx, "job", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-2", entity.Fingerprint)
	assert.Equal(t, int64(2), entity.Seq)
}

func TestGetEntity_NotFound(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	_, err := store.GetEntity(ctx, "job", "missing")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	require.NoError(t, store.UpsertEntity(ctx, "job", "job-1", json.RawMessage(`{}`), "fp-1"))
	require.NoError(t, store.DeleteEntity(ctx, "job", "job-1"))

	entity, err := store.GetEntity(ctx, "job", "job-1")
	require.NoError(t, err)
	require.NotNil(t, entity.DeletedAt)
	assert.Equal(t, int64(2), entity.Seq)

	assert.ErrorIs(t, store.DeleteEntity(ctx, "job", "missing"), storage.ErrEntityNotFound)
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	require.NoError(t, store.UpsertEntity(ctx, "job", "job-1", json.RawMessage(`{}`), "fp-1"))
	require.NoError(t, store.UpsertEntity(ctx, "customer", "cust-1", json.RawMessage(`{}`), "fp-2"))
	require.NoError(t, store.UpsertEntity(ctx, "job", "job-2", json.RawMessage(`{}`), "fp-3"))

	changes, err := store.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "job-1", changes[0].EntityID)
	assert.Equal(t, "job-2", changes[2].EntityID)

	changes, err = store.ChangesSince(ctx, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "job-2", changes[0].EntityID)

	maxSeq, err := store.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), maxSeq)

	// An update re-delivers the entity at its new position.
	require.NoError(t, store.UpsertEntity(ctx, "job", "job-1", json.RawMessage(`{"v":2}`), "fp-4"))
	changes, err = store.ChangesSince(ctx, 3)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "job-1", changes[0].EntityID)
}

func TestNextEntityID(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	id, err := store.NextEntityID(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = store.NextEntityID(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)

	// Counters are independent per type.
	id, err = store.NextEntityID(ctx, "invoice")
	require.NoError(t, err)
	assert.Equal(t, "invoice-1", id)
}

func TestPushResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	_, err := store.GetPushResult(ctx, "key-1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	result := json.RawMessage(`{"idempotency_key":"key-1","status":"accepted"}`)
	require.NoError(t, store.SavePushResult(ctx, "key-1", result))

	got, err := store.GetPushResult(ctx, "key-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(got))
}
