package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/models"
)

// CustomerAdapter handles customers. LastViewedAt stays on the device.
type CustomerAdapter struct{}

func NewCustomerAdapter() *CustomerAdapter { return &CustomerAdapter{} }

func (a *CustomerAdapter) EntityType() string { return models.EntityTypeCustomer }

func (a *CustomerAdapter) ToWire(data json.RawMessage) (json.RawMessage, error) {
	var customer models.Customer
	if err := json.Unmarshal(data, &customer); err != nil {
		return nil, fmt.Errorf("failed to parse customer: %w", err)
	}

	customer.LastViewedAt = nil

	wire, err := json.Marshal(customer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode customer: %w", err)
	}
	return wire, nil
}

func (a *CustomerAdapter) FromWire(snapshot, local json.RawMessage) (json.RawMessage, error) {
	var customer models.Customer
	if err := json.Unmarshal(snapshot, &customer); err != nil {
		return nil, fmt.Errorf("failed to parse customer snapshot: %w", err)
	}

	if local != nil {
		var prev models.Customer
		if err := json.Unmarshal(local, &prev); err != nil {
			return nil, fmt.Errorf("failed to parse local customer: %w", err)
		}
		customer.LastViewedAt = prev.LastViewedAt
	}

	data, err := json.Marshal(customer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode customer: %w", err)
	}
	return data, nil
}

func (a *CustomerAdapter) Fingerprint(data json.RawMessage) (string, error) {
	return wireFingerprint(a, data)
}
