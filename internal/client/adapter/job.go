package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/models"
)

// JobAdapter handles work orders. CachedDirections and LocalDraft stay
// on the device.
type JobAdapter struct{}

func NewJobAdapter() *JobAdapter { return &JobAdapter{} }

func (a *JobAdapter) EntityType() string { return models.EntityTypeJob }

func (a *JobAdapter) ToWire(data json.RawMessage) (json.RawMessage, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}

	job.CachedDirections = ""
	job.LocalDraft = false

	wire, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return wire, nil
}

func (a *JobAdapter) FromWire(snapshot, local json.RawMessage) (json.RawMessage, error) {
	var job models.Job
	if err := json.Unmarshal(snapshot, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job snapshot: %w", err)
	}

	if local != nil {
		var prev models.Job
		if err := json.Unmarshal(local, &prev); err != nil {
			return nil, fmt.Errorf("failed to parse local job: %w", err)
		}
		job.CachedDirections = prev.CachedDirections
		job.LocalDraft = prev.LocalDraft
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

func (a *JobAdapter) Fingerprint(data json.RawMessage) (string, error) {
	return wireFingerprint(a, data)
}
