package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the type of local mutation queued for sync.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationStatus is the queue lifecycle state of an operation.
type OperationStatus string

const (
	// OpPending means the operation is waiting to be pushed.
	OpPending OperationStatus = "pending"
	// OpInFlight means the operation is part of the batch currently being
	// transmitted. At most one operation per entity may be in flight.
	OpInFlight OperationStatus = "in_flight"
	// OpFailed means the operation exhausted its retries or was rejected
	// permanently. It is never retried automatically.
	OpFailed OperationStatus = "failed"
)

// Default priorities. Creates go before updates, updates before deletes,
// so dependent records exist remotely before anything references or
// removes them.
const (
	PriorityCreate = 30
	PriorityUpdate = 20
	PriorityDelete = 10
)

// DefaultPriority returns the default queue priority for a mutation kind.
func DefaultPriority(kind OperationKind) int {
	switch kind {
	case OpCreate:
		return PriorityCreate
	case OpDelete:
		return PriorityDelete
	default:
		return PriorityUpdate
	}
}

// SyncOperation is one pending local mutation awaiting transmission.
// The ID is generated locally and stable across retries; IdempotencyKey
// lets the server recognize a replayed push after a crash.
type SyncOperation struct {
	CreatedAt       time.Time       `json:"created_at"`
	LastAttemptAt   time.Time       `json:"last_attempt_at"`
	ID              string          `json:"id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	BaseFingerprint string          `json:"base_fingerprint"`
	LastError       string          `json:"last_error"`
	Kind            OperationKind   `json:"kind"`
	Status          OperationStatus `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	NextAttemptAt   int64           `json:"next_attempt_at"` // unix seconds; 0 = immediately
}

// Clone creates a deep copy of the operation.
func (o *SyncOperation) Clone() *SyncOperation {
	payload := make(json.RawMessage, len(o.Payload))
	copy(payload, o.Payload)

	clone := *o
	clone.Payload = payload
	return &clone
}
