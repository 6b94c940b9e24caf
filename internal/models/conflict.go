package models

import (
	"encoding/json"
	"time"
)

// Resolution says which side of a conflict won.
type Resolution string

const (
	// ResolutionLocal keeps the local intent and retries it against the
	// now-known server baseline.
	ResolutionLocal Resolution = "local"
	// ResolutionServer discards the local intent and applies the server
	// snapshot locally.
	ResolutionServer Resolution = "server"
	// ResolutionMerged applies caller-supplied merged data locally and
	// pushes it as a fresh update.
	ResolutionMerged Resolution = "merged"
)

// SyncConflict is a detected divergence between a local pending mutation
// and a concurrent server-side change for the same entity. Both snapshots
// are captured at detection time. Once Resolved is true the record is
// immutable.
type SyncConflict struct {
	DetectedAt time.Time       `json:"detected_at"`
	ResolvedAt time.Time       `json:"resolved_at"`
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Resolution Resolution      `json:"resolution,omitempty"`
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`
	MergedData json.RawMessage `json:"merged_data,omitempty"` // only when Resolution == merged
	Resolved   bool            `json:"resolved"`
}

// Clone creates a deep copy of the conflict.
func (c *SyncConflict) Clone() *SyncConflict {
	local := make(json.RawMessage, len(c.LocalData))
	copy(local, c.LocalData)
	server := make(json.RawMessage, len(c.ServerData))
	copy(server, c.ServerData)
	merged := make(json.RawMessage, len(c.MergedData))
	copy(merged, c.MergedData)

	clone := *c
	clone.LocalData = local
	clone.ServerData = server
	clone.MergedData = merged
	return &clone
}
