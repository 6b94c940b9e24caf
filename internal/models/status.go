package models

import "time"

// SyncStatus is the process-wide sync state surfaced to the UI.
// It is mutated only by the sync engine and recomputed from the durable
// stores at startup; subscribers receive a fresh copy on every change.
type SyncStatus struct {
	LastSync          *time.Time `json:"last_sync"` // nil until the first fully successful cycle
	Error             string     `json:"error,omitempty"`
	PendingOperations int        `json:"pending_operations"`
	FailedOperations  int        `json:"failed_operations"` // past the retry ceiling or rejected permanently
	Conflicts         int        `json:"conflicts"`
	IsOnline          bool       `json:"is_online"`
	IsSyncing         bool       `json:"is_syncing"`
}
