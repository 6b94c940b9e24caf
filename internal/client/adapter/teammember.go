package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/models"
)

// TeamMemberAdapter handles team members. The type has no local-only
// fields; the adapter still normalizes through the typed struct so
// unknown server fields never leak into fingerprints.
type TeamMemberAdapter struct{}

func NewTeamMemberAdapter() *TeamMemberAdapter { return &TeamMemberAdapter{} }

func (a *TeamMemberAdapter) EntityType() string { return models.EntityTypeTeamMember }

func (a *TeamMemberAdapter) ToWire(data json.RawMessage) (json.RawMessage, error) {
	var member models.TeamMember
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, fmt.Errorf("failed to parse team member: %w", err)
	}

	wire, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("failed to encode team member: %w", err)
	}
	return wire, nil
}

func (a *TeamMemberAdapter) FromWire(snapshot, local json.RawMessage) (json.RawMessage, error) {
	var member models.TeamMember
	if err := json.Unmarshal(snapshot, &member); err != nil {
		return nil, fmt.Errorf("failed to parse team member snapshot: %w", err)
	}

	data, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("failed to encode team member: %w", err)
	}
	return data, nil
}

func (a *TeamMemberAdapter) Fingerprint(data json.RawMessage) (string, error) {
	return wireFingerprint(a, data)
}
