// Package api implements the HTTP client for the sync endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fieldworks/fieldsync/pkg/api"
)

//go:generate moq -out client_mock.go . SyncAPI

// SyncAPI is the transport the orchestrator pushes to and pulls from.
type SyncAPI interface {
	// Push transmits queued mutations and returns per-item results.
	// Push is never retried in-process; retry policy lives in the queue.
	Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)

	// Pull fetches remote changes after the cursor. Pull is read-only and
	// idempotent, so transient failures are retried in-process.
	Pull(ctx context.Context, cursor string) (*api.PullResponse, error)
}

// Client is the HTTP implementation of SyncAPI.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a sync API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Push transmits a batch of queued mutations.
func (c *Client) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.doRequest(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return &resp, nil
}

// Pull fetches remote changes after the cursor, retrying transient
// failures with fibonacci backoff.
func (c *Client) Pull(ctx context.Context, cursor string) (*api.PullResponse, error) {
	path := "/sync/pull"
	if cursor != "" {
		path += "?since=" + url.QueryEscape(cursor)
	}

	var resp api.PullResponse

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
			if IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp, nil
}

// StatusError is returned for non-2xx responses so callers can classify
// the failure by status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// IsTransient reports whether an error is worth retrying: network-level
// failures, timeouts and 5xx or 429 responses.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	// Anything that never produced an HTTP status is a network problem.
	return true
}

// doRequest performs an HTTP request with a JSON body and decodes a JSON
// response.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			statusErr.Message = errResp.Message
			if statusErr.Message == "" {
				statusErr.Message = errResp.Error
			}
		}
		return statusErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
