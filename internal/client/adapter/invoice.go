package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/models"
)

// InvoiceAdapter handles invoices. DraftPDFPath stays on the device.
type InvoiceAdapter struct{}

func NewInvoiceAdapter() *InvoiceAdapter { return &InvoiceAdapter{} }

func (a *InvoiceAdapter) EntityType() string { return models.EntityTypeInvoice }

func (a *InvoiceAdapter) ToWire(data json.RawMessage) (json.RawMessage, error) {
	var invoice models.Invoice
	if err := json.Unmarshal(data, &invoice); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}

	invoice.DraftPDFPath = ""

	wire, err := json.Marshal(invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice: %w", err)
	}
	return wire, nil
}

func (a *InvoiceAdapter) FromWire(snapshot, local json.RawMessage) (json.RawMessage, error) {
	var invoice models.Invoice
	if err := json.Unmarshal(snapshot, &invoice); err != nil {
		return nil, fmt.Errorf("failed to parse invoice snapshot: %w", err)
	}

	if local != nil {
		var prev models.Invoice
		if err := json.Unmarshal(local, &prev); err != nil {
			return nil, fmt.Errorf("failed to parse local invoice: %w", err)
		}
		invoice.DraftPDFPath = prev.DraftPDFPath
	}

	data, err := json.Marshal(invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice: %w", err)
	}
	return data, nil
}

func (a *InvoiceAdapter) Fingerprint(data json.RawMessage) (string, error) {
	return wireFingerprint(a, data)
}
