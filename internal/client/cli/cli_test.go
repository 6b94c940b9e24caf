package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/client/storage/boltdb"
	"github.com/fieldworks/fieldsync/internal/client/sync"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/pkg/api"
)

type fakeAPI struct {
	pushFn func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)
	pullFn func(ctx context.Context, cursor string) (*api.PullResponse, error)
}

func (f *fakeAPI) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	if f.pushFn != nil {
		return f.pushFn(ctx, req)
	}
	resp := &api.PushResponse{}
	for i, item := range req.Items {
		result := api.PushItemResult{
			IdempotencyKey: item.IdempotencyKey,
			Status:         api.PushAccepted,
		}
		if item.Kind == string(models.OpCreate) {
			result.ServerEntityID = fmt.Sprintf("%s-%d", item.EntityType, i+1)
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (f *fakeAPI) Pull(ctx context.Context, cursor string) (*api.PullResponse, error) {
	if f.pullFn != nil {
		return f.pullFn(ctx, cursor)
	}
	return &api.PullResponse{Cursor: cursor}, nil
}

func newTestCli(t *testing.T, client *fakeAPI) (*Cli, *bytes.Buffer, *sync.Engine) {
	t.Helper()

	store, err := boltdb.New(context.Background(), t.TempDir()+"/cli.db", boltdb.Options{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	engine, err := sync.NewEngine(context.Background(), sync.Config{
		Logger:    slog.New(slog.DiscardHandler),
		Queue:     store,
		Conflicts: store,
		Records:   store,
		Metadata:  store,
		Client:    client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	var out bytes.Buffer
	return NewWithOutput(engine, &out), &out, engine
}

func TestCli_StatusEmpty(t *testing.T) {
	c, out, _ := newTestCli(t, &fakeAPI{})

	require.NoError(t, c.RunStatus(context.Background()))

	assert.Contains(t, out.String(), "Connectivity:  online")
	assert.Contains(t, out.String(), "Last sync:     never")
	assert.Contains(t, out.String(), "Pending:       0 operation(s)")
}

func TestCli_EnqueueAndStatus(t *testing.T) {
	ctx := context.Background()
	c, out, _ := newTestCli(t, &fakeAPI{})

	err := c.RunEnqueue(ctx, []string{
		models.EntityTypeJob, "create", `{"customer_id":"cust-1","title":"Fix boiler","status":"scheduled"}`,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Queued create job")

	out.Reset()
	require.NoError(t, c.RunStatus(ctx))
	assert.Contains(t, out.String(), "Pending:       1 operation(s)")
}

func TestCli_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCli(t, &fakeAPI{})

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"too few args", []string{"job"}, "usage"},
		{"bad kind", []string{"job", "upsert", "job-1", `{}`}, "unknown operation kind"},
		{"update without id", []string{"job", "update", `{}`}, "usage"},
		{"delete with payload", []string{"job", "delete", "job-1", `{}`}, "usage"},
		{"invalid json", []string{"job", "create", `{broken`}, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.RunEnqueue(ctx, tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCli_SyncReportsCounts(t *testing.T) {
	ctx := context.Background()
	c, out, _ := newTestCli(t, &fakeAPI{})

	err := c.RunEnqueue(ctx, []string{
		models.EntityTypeJob, "create", `{"customer_id":"cust-1","title":"Fix boiler","status":"scheduled"}`,
	})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, c.RunSync(ctx))
	assert.Contains(t, out.String(), "Pushed:    1 operation(s)")

	out.Reset()
	require.NoError(t, c.RunStatus(ctx))
	assert.Contains(t, out.String(), "Pending:       0 operation(s)")
	assert.NotContains(t, out.String(), "Last sync:     never")
}

func TestCli_ConflictsListAndResolve(t *testing.T) {
	ctx := context.Background()

	serverSnapshot := json.RawMessage(`{"id":"job-1","customer_id":"cust-1","title":"Server title","status":"scheduled"}`)
	client := &fakeAPI{
		pushFn: func(_ context.Context, req api.PushRequest) (*api.PushResponse, error) {
			resp := &api.PushResponse{}
			for _, item := range req.Items {
				resp.Results = append(resp.Results, api.PushItemResult{
					IdempotencyKey:        item.IdempotencyKey,
					Status:                api.PushRejectedVersionConflict,
					CurrentServerSnapshot: serverSnapshot,
				})
			}
			return resp, nil
		},
	}
	c, out, _ := newTestCli(t, client)

	err := c.RunEnqueue(ctx, []string{
		models.EntityTypeJob, "create", "job-1", `{"customer_id":"cust-1","title":"Local title","status":"scheduled"}`,
	})
	require.NoError(t, err)
	require.NoError(t, c.RunSync(ctx))

	out.Reset()
	require.NoError(t, c.RunConflicts(ctx))
	assert.Contains(t, out.String(), "Entity:      job/job-1")
	assert.Contains(t, out.String(), "Server title")

	// Pull the conflict ID out of the listing via the engine.
	conflicts, err := c.engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	out.Reset()
	require.NoError(t, c.RunResolve(ctx, []string{conflicts[0].ID, "server"}))
	assert.Contains(t, out.String(), "resolved (server)")

	out.Reset()
	require.NoError(t, c.RunConflicts(ctx))
	assert.Contains(t, out.String(), "No unresolved conflicts.")
}

func TestCli_ResolveValidation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCli(t, &fakeAPI{})

	err := c.RunResolve(ctx, []string{"some-id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")

	err = c.RunResolve(ctx, []string{"some-id", "coinflip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resolution")

	err = c.RunResolve(ctx, []string{"some-id", "merged"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the merged record JSON")
}
