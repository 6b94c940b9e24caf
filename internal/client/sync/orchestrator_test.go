package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/client/adapter"
	"github.com/fieldworks/fieldsync/internal/client/storage"
	"github.com/fieldworks/fieldsync/internal/client/storage/boltdb"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/pkg/api"
)

// fakeAPI lets each test script the server's behavior.
type fakeAPI struct {
	pushFn func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)
	pullFn func(ctx context.Context, cursor string) (*api.PullResponse, error)
}

func (f *fakeAPI) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	if f.pushFn == nil {
		return &api.PushResponse{}, nil
	}
	return f.pushFn(ctx, req)
}

func (f *fakeAPI) Pull(ctx context.Context, cursor string) (*api.PullResponse, error) {
	if f.pullFn == nil {
		return &api.PullResponse{Cursor: cursor}, nil
	}
	return f.pullFn(ctx, cursor)
}

// acceptAll answers every push item with accepted.
func acceptAll(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	resp := &api.PushResponse{}
	for _, item := range req.Items {
		resp.Results = append(resp.Results, api.PushItemResult{
			IdempotencyKey: item.IdempotencyKey,
			Status:         api.PushAccepted,
		})
	}
	return resp, nil
}

func newTestStore(t *testing.T) *boltdb.Storage {
	t.Helper()

	store, err := boltdb.New(context.Background(),
		filepath.Join(t.TempDir(), "sync_test.db"),
		boltdb.Options{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func newTestOrchestrator(t *testing.T, store *boltdb.Storage, client *fakeAPI) *Orchestrator {
	t.Helper()
	return NewOrchestrator(testLogger(), store, store, store, store, client, adapter.DefaultRegistry(), 0)
}

func enqueueJobUpdate(t *testing.T, store *boltdb.Storage, entityID, title, baseFp string) string {
	t.Helper()

	id, err := store.Enqueue(context.Background(), &models.SyncOperation{
		EntityType:      models.EntityTypeJob,
		EntityID:        entityID,
		Kind:            models.OpUpdate,
		Payload:         json.RawMessage(`{"id":"` + entityID + `","customer_id":"cust-1","title":"` + title + `","status":"scheduled"}`),
		BaseFingerprint: baseFp,
	})
	require.NoError(t, err)
	return id
}

func TestRunCycle_PushAccepted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var pushed []api.PushItem
	client := &fakeAPI{
		pushFn: func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
			pushed = append(pushed, req.Items...)
			return acceptAll(ctx, req)
		},
		pullFn: func(ctx context.Context, cursor string) (*api.PullResponse, error) {
			return &api.PullResponse{Cursor: "5"}, nil
		},
	}

	enqueueJobUpdate(t, store, "job-7", "Replace valve", "")
	o := newTestOrchestrator(t, store, client)

	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Zero(t, result.Conflicts)

	require.Len(t, pushed, 1)
	assert.Equal(t, "job-7", pushed[0].EntityID)
	assert.Equal(t, "update", pushed[0].Kind)

	// Queue drained, cursor advanced, last-sync recorded.
	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	cursor, err := store.GetSyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", cursor)

	lastSync, err := store.GetLastSyncTime(ctx)
	require.NoError(t, err)
	assert.False(t, lastSync.IsZero())

	assert.Equal(t, StateIdle, o.State())
}

func TestRunCycle_BusyRejection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	enteredClosed := false
	client := &fakeAPI{
		pullFn: func(ctx context.Context, cursor string) (*api.PullResponse, error) {
			if !enteredClosed {
				enteredClosed = true
				close(entered)
			}
			<-release
			return &api.PullResponse{Cursor: "1"}, nil
		},
	}

	o := newTestOrchestrator(t, store, client)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(ctx)
		done <- err
	}()

	<-entered
	_, err := o.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)

	// Once idle again, a new cycle is accepted.
	_, err = o.RunCycle(ctx)
	require.NoError(t, err)
}

func TestRunCycle_TransportFailureKeepsOperations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	client := &fakeAPI{
		pushFn: func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
			return nil, errors.New("connection refused")
		},
	}

	opID := enqueueJobUpdate(t, store, "job-7", "Replace valve", "")
	o := newTestOrchestrator(t, store, client)

	_, err := o.RunCycle(ctx)
	require.Error(t, err)

	// Operation stays retryable with the failure recorded.
	op, err := store.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OpPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Contains(t, op.LastError, "connection refused")

	// Cursor untouched after a failed cycle.
	cursor, err := store.GetSyncCursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestRunCycle_VersionConflictRecordsAndRemoves(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	serverSnapshot := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"cancelled"}`)
	client := &fakeAPI{
		pushFn: func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
			return &api.PushResponse{Results: []api.PushItemResult{{
				IdempotencyKey:        req.Items[0].IdempotencyKey,
				Status:                api.PushRejectedVersionConflict,
				CurrentServerSnapshot: serverSnapshot,
			}}}, nil
		},
	}

	opID := enqueueJobUpdate(t, store, "job-7", "Replace valve urgently", "stale-fp")
	o := newTestOrchestrator(t, store, client)

	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	// Operation converted into a conflict.
	_, err = store.Get(ctx, opID)
	assert.ErrorIs(t, err, storage.ErrOperationNotFound)

	conflicts, err := store.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "job-7", conflicts[0].EntityID)
	assert.JSONEq(t, string(serverSnapshot), string(conflicts[0].ServerData))
}

func TestRunCycle_PermanentRejectionFailsOperation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	client := &fakeAPI{
		pushFn: func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
			return &api.PushResponse{Results: []api.PushItemResult{{
				IdempotencyKey: req.Items[0].IdempotencyKey,
				Status:         api.PushRejectedPermanent,
				Message:        "title too long",
			}}}, nil
		},
	}

	opID := enqueueJobUpdate(t, store, "job-7", "Replace valve", "")
	o := newTestOrchestrator(t, store, client)

	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Pushed)

	op, err := store.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, op.Status)
	assert.Equal(t, "title too long", op.LastError)

	// Failed operations are not retried on the next cycle.
	pushes := 0
	client.pushFn = func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
		pushes += len(req.Items)
		return acceptAll(ctx, req)
	}
	_, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, pushes)
}

func TestRunCycle_TransientRejectionRetriesUpToCeiling(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	attempts := 0
	client := &fakeAPI{
		pushFn: func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
			resp := &api.PushResponse{}
			for _, item := range req.Items {
				attempts++
				resp.Results = append(resp.Results, api.PushItemResult{
					IdempotencyKey: item.IdempotencyKey,
					Status:         api.PushRejectedTransient,
					Message:        "server busy",
				})
			}
			return resp, nil
		},
	}

	opID := enqueueJobUpdate(t, store, "job-7", "Replace valve", "")
	o := newTestOrchestrator(t, store, client)

	// MaxRetries is 3 in tests; run enough cycles to exhaust it.
	for i := 0; i < 5; i++ {
		_, err := o.RunCycle(ctx)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // backoff base is 1ms
	}

	assert.Equal(t, 3, attempts)

	op, err := store.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, op.Status)
}

func TestRunCycle_PullAppliesAndConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	registry := adapter.DefaultRegistry()
	jobAdapter, err := registry.Get(models.EntityTypeJob)
	require.NoError(t, err)

	// A clean record: synced and untouched since.
	cleanData := json.RawMessage(`{"id":"job-1","customer_id":"cust-1","title":"Service boiler","status":"scheduled"}`)
	cleanFp, err := jobAdapter.Fingerprint(cleanData)
	require.NoError(t, err)
	require.NoError(t, store.WriteRecord(ctx, &models.LocalRecord{
		EntityType: models.EntityTypeJob, EntityID: "job-1",
		Data: cleanData, BaseFingerprint: cleanFp,
	}))

	// A dirty record: local edits never pushed.
	require.NoError(t, store.WriteRecord(ctx, &models.LocalRecord{
		EntityType: models.EntityTypeJob, EntityID: "job-2",
		Data:            json.RawMessage(`{"id":"job-2","customer_id":"cust-1","title":"Edited offline","status":"on_site"}`),
		BaseFingerprint: "old-baseline",
	}))

	client := &fakeAPI{
		pullFn: func(ctx context.Context, cursor string) (*api.PullResponse, error) {
			return &api.PullResponse{
				Cursor: "9",
				Changes: []api.PullChange{
					{
						EntityType: models.EntityTypeJob, EntityID: "job-1",
						Snapshot: json.RawMessage(`{"id":"job-1","customer_id":"cust-1","title":"Service boiler","status":"done"}`),
					},
					{
						EntityType: models.EntityTypeJob, EntityID: "job-2",
						Snapshot: json.RawMessage(`{"id":"job-2","customer_id":"cust-1","title":"Changed remotely","status":"cancelled"}`),
					},
					{
						EntityType: models.EntityTypeJob, EntityID: "job-3",
						Snapshot: json.RawMessage(`{"id":"job-3","customer_id":"cust-2","title":"New remote job","status":"scheduled"}`),
					},
				},
			}, nil
		},
	}

	o := newTestOrchestrator(t, store, client)

	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pulled) // job-1 applied, job-3 created
	assert.Equal(t, 1, result.Conflicts)

	// Clean record took the server state.
	rec, err := store.ReadRecord(ctx, models.EntityTypeJob, "job-1")
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Data, &job))
	assert.Equal(t, models.JobStatusDone, job.Status)

	// Dirty record kept its local data; the divergence became a conflict.
	rec, err = store.ReadRecord(ctx, models.EntityTypeJob, "job-2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Data, &job))
	assert.Equal(t, "Edited offline", job.Title)

	conflicts, err := store.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "job-2", conflicts[0].EntityID)

	// New record landed with a baseline.
	rec, err = store.ReadRecord(ctx, models.EntityTypeJob, "job-3")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.BaseFingerprint)

	cursor, err := store.GetSyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", cursor)
}

func TestRunCycle_RemoteDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	registry := adapter.DefaultRegistry()
	jobAdapter, err := registry.Get(models.EntityTypeJob)
	require.NoError(t, err)

	data := json.RawMessage(`{"id":"job-1","customer_id":"cust-1","title":"Service boiler","status":"scheduled"}`)
	fp, err := jobAdapter.Fingerprint(data)
	require.NoError(t, err)
	require.NoError(t, store.WriteRecord(ctx, &models.LocalRecord{
		EntityType: models.EntityTypeJob, EntityID: "job-1",
		Data: data, BaseFingerprint: fp,
	}))

	deletedAt := time.Now()
	client := &fakeAPI{
		pullFn: func(ctx context.Context, cursor string) (*api.PullResponse, error) {
			return &api.PullResponse{
				Cursor: "3",
				Changes: []api.PullChange{{
					EntityType: models.EntityTypeJob, EntityID: "job-1", DeletedAt: &deletedAt,
				}},
			}, nil
		},
	}

	o := newTestOrchestrator(t, store, client)

	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pulled)

	rec, err := store.ReadRecord(ctx, models.EntityTypeJob, "job-1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}

func TestRunCycle_PullFailureDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SaveSyncCursor(ctx, "7"))

	client := &fakeAPI{
		pullFn: func(ctx context.Context, cursor string) (*api.PullResponse, error) {
			assert.Equal(t, "7", cursor)
			return nil, errors.New("gateway timeout")
		},
	}

	o := newTestOrchestrator(t, store, client)

	_, err := o.RunCycle(ctx)
	require.Error(t, err)

	cursor, err := store.GetSyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", cursor)
}

// TestRunCycle_DependentCreateWaitsForRemap covers two creates in one
// queue where the second references the first's temporary ID: the
// dependent one must go out only after the server has assigned the real
// ID and the reference has been rewritten.
func TestRunCycle_DependentCreateWaitsForRemap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var requests []api.PushRequest
	nextID := map[string]int{}
	client := &fakeAPI{
		pushFn: func(_ context.Context, req api.PushRequest) (*api.PushResponse, error) {
			requests = append(requests, req)
			resp := &api.PushResponse{}
			for _, item := range req.Items {
				nextID[item.EntityType]++
				resp.Results = append(resp.Results, api.PushItemResult{
					IdempotencyKey: item.IdempotencyKey,
					Status:         api.PushAccepted,
					ServerEntityID: fmt.Sprintf("%s-%d", item.EntityType, nextID[item.EntityType]),
				})
			}
			return resp, nil
		},
	}

	customerData := json.RawMessage(`{"id":"tmp-cust","name":"Acme Heating"}`)
	invoiceData := json.RawMessage(`{"id":"tmp-inv","job_id":"job-1","customer_id":"tmp-cust","currency":"EUR","status":"draft","amount_cents":12500}`)

	_, err := store.Enqueue(ctx, &models.SyncOperation{
		EntityType: models.EntityTypeCustomer,
		EntityID:   "tmp-cust",
		Kind:       models.OpCreate,
		Payload:    customerData,
	})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, &models.SyncOperation{
		EntityType: models.EntityTypeInvoice,
		EntityID:   "tmp-inv",
		Kind:       models.OpCreate,
		Payload:    invoiceData,
	})
	require.NoError(t, err)

	require.NoError(t, store.WriteRecord(ctx, &models.LocalRecord{
		EntityType: models.EntityTypeCustomer, EntityID: "tmp-cust", Data: customerData,
	}))
	require.NoError(t, store.WriteRecord(ctx, &models.LocalRecord{
		EntityType: models.EntityTypeInvoice, EntityID: "tmp-inv", Data: invoiceData,
	}))

	o := newTestOrchestrator(t, store, client)
	result, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	assert.Zero(t, result.Conflicts)

	// The invoice went out in a second request, with the customer
	// reference already rewritten to the server-assigned ID.
	require.Len(t, requests, 2)
	require.Len(t, requests[0].Items, 1)
	assert.Equal(t, models.EntityTypeCustomer, requests[0].Items[0].EntityType)
	require.Len(t, requests[1].Items, 1)

	var wire models.Invoice
	require.NoError(t, json.Unmarshal(requests[1].Items[0].Payload, &wire))
	assert.Equal(t, "customer-1", wire.CustomerID)

	// No conflict was manufactured and nothing is left queued.
	conflicts, err := store.ListUnresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The accepted baseline is fingerprinted over the remapped payload.
	rec, err := store.ReadRecord(ctx, models.EntityTypeCustomer, "customer-1")
	require.NoError(t, err)
	a, err := adapter.DefaultRegistry().Get(models.EntityTypeCustomer)
	require.NoError(t, err)
	wantFp, err := a.Fingerprint(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, wantFp, rec.BaseFingerprint)
}
