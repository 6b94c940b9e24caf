package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/pkg/api"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080")

	assert.Equal(t, "http://localhost:8080", client.baseURL)
	require.NotNil(t, client.httpClient)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestClient_Push(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req api.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 1)
		assert.Equal(t, "key-1", req.Items[0].IdempotencyKey)

		resp := api.PushResponse{Results: []api.PushItemResult{{
			IdempotencyKey: "key-1",
			Status:         api.PushAccepted,
			ServerEntityID: "job-42",
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.Push(context.Background(), api.PushRequest{
		Items: []api.PushItem{{
			IdempotencyKey: "key-1",
			EntityType:     "job",
			EntityID:       "tmp-1",
			Kind:           "create",
			Payload:        json.RawMessage(`{"id":"tmp-1"}`),
		}},
	})

	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, api.PushAccepted, resp.Results[0].Status)
	assert.Equal(t, "job-42", resp.Results[0].ServerEntityID)
}

func TestClient_Push_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unavailable", Message: "maintenance window"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Push(context.Background(), api.PushRequest{})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "maintenance window", statusErr.Message)
	assert.True(t, IsTransient(err))
}

func TestClient_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sync/pull", r.URL.Path)
		assert.Equal(t, "17", r.URL.Query().Get("since"))

		resp := api.PullResponse{
			Cursor: "42",
			Changes: []api.PullChange{{
				EntityType: "job",
				EntityID:   "job-7",
				Snapshot:   json.RawMessage(`{"id":"job-7","status":"done"}`),
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.Pull(context.Background(), "17")
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Cursor)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "job-7", resp.Changes[0].EntityID)
}

func TestClient_Pull_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(api.PullResponse{Cursor: "1"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.Pull(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Cursor)
	assert.Equal(t, 3, attempts)
}

func TestClient_Pull_DoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "bad cursor"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Pull(context.Background(), "bogus")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, IsTransient(errors.Unwrap(err)))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", errors.New("connection refused"), true},
		{"500", &StatusError{StatusCode: 500}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"409", &StatusError{StatusCode: 409}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
