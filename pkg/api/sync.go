package api

import (
	"encoding/json"
	"time"
)

// PushItemStatus is the per-item outcome the server reports for a push.
type PushItemStatus string

const (
	// PushAccepted means the server applied the mutation.
	PushAccepted PushItemStatus = "accepted"
	// PushRejectedTransient means the server could not apply the mutation
	// right now; the client should retry the operation on a later cycle.
	PushRejectedTransient PushItemStatus = "rejected-transient"
	// PushRejectedVersionConflict means the entity changed on the server
	// since the client's baseline; the item carries the current server
	// snapshot so the client can record a conflict.
	PushRejectedVersionConflict PushItemStatus = "rejected-version-conflict"
	// PushRejectedPermanent means the mutation failed validation and will
	// never succeed as-is; the client must not retry automatically.
	PushRejectedPermanent PushItemStatus = "rejected-permanent"
)

// PushItem is one queued local mutation transmitted to the server.
type PushItem struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	BaseFingerprint string          `json:"base_fingerprint,omitempty"`
}

// PushRequest is the body of POST /sync/push. Items are ordered; the
// server processes them in order.
type PushRequest struct {
	Items []PushItem `json:"items"`
}

// PushItemResult is the server's verdict for a single push item,
// correlated back to the request by idempotency key.
type PushItemResult struct {
	IdempotencyKey        string          `json:"idempotency_key"`
	Status                PushItemStatus  `json:"status"`
	ServerEntityID        string          `json:"server_entity_id,omitempty"`
	CurrentServerSnapshot json.RawMessage `json:"current_server_snapshot,omitempty"`
	Message               string          `json:"message,omitempty"`
}

// PushResponse is the body of the POST /sync/push response.
type PushResponse struct {
	Results []PushItemResult `json:"results"`
}

// PullChange is one remote change delivered by GET /sync/pull.
// DeletedAt is set when the entity was deleted on the server.
type PullChange struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

// PullResponse is the body of the GET /sync/pull response. Cursor is an
// opaque server-assigned position; the client sends it back verbatim on
// the next pull.
type PullResponse struct {
	Cursor  string       `json:"cursor"`
	Changes []PullChange `json:"changes"`
}

// ErrorResponse is the generic error body returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
