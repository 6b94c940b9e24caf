package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/models"
)

func TestRegistryResolvesAllTypes(t *testing.T) {
	registry := DefaultRegistry()

	for _, entityType := range []string{
		models.EntityTypeJob,
		models.EntityTypeCustomer,
		models.EntityTypeInvoice,
		models.EntityTypeTeamMember,
	} {
		a, err := registry.Get(entityType)
		require.NoError(t, err)
		assert.Equal(t, entityType, a.EntityType())
	}

	_, err := registry.Get("equipment")
	assert.Error(t, err)
}

func TestJobToWireStripsLocalFields(t *testing.T) {
	a := NewJobAdapter()

	data := json.RawMessage(`{
		"id": "job-7",
		"customer_id": "cust-1",
		"title": "Replace valve",
		"status": "scheduled",
		"cached_directions": "turn left at the depot",
		"local_draft": true
	}`)

	wire, err := a.ToWire(data)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(wire, &decoded))
	assert.Equal(t, "job-7", decoded["id"])
	assert.Equal(t, "Replace valve", decoded["title"])
	assert.NotContains(t, decoded, "cached_directions")
	assert.NotContains(t, decoded, "local_draft")
}

func TestJobFingerprintIgnoresLocalFields(t *testing.T) {
	a := NewJobAdapter()

	base := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"scheduled"}`)
	withLocal := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"scheduled","cached_directions":"turn left"}`)
	edited := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"done"}`)

	fpBase, err := a.Fingerprint(base)
	require.NoError(t, err)
	fpLocal, err := a.Fingerprint(withLocal)
	require.NoError(t, err)
	fpEdited, err := a.Fingerprint(edited)
	require.NoError(t, err)

	assert.Equal(t, fpBase, fpLocal)
	assert.NotEqual(t, fpBase, fpEdited)
}

func TestJobFromWirePreservesLocalFields(t *testing.T) {
	a := NewJobAdapter()

	snapshot := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"done"}`)
	local := json.RawMessage(`{"id":"job-7","customer_id":"cust-1","title":"Replace valve","status":"scheduled","cached_directions":"turn left"}`)

	data, err := a.FromWire(snapshot, local)
	require.NoError(t, err)

	var job models.Job
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, "turn left", job.CachedDirections)

	// First-seen records have no local-only state to carry.
	fresh, err := a.FromWire(snapshot, nil)
	require.NoError(t, err)
	var freshJob models.Job
	require.NoError(t, json.Unmarshal(fresh, &freshJob))
	assert.Empty(t, freshJob.CachedDirections)
}

func TestCustomerAdapterRoundTrip(t *testing.T) {
	a := NewCustomerAdapter()

	data := json.RawMessage(`{"id":"cust-1","name":"Acme Heating","phone":"555-0101","last_viewed_at":"2026-08-29T10:00:00Z"}`)

	wire, err := a.ToWire(data)
	require.NoError(t, err)
	assert.NotContains(t, string(wire), "last_viewed_at")

	back, err := a.FromWire(wire, data)
	require.NoError(t, err)

	var customer models.Customer
	require.NoError(t, json.Unmarshal(back, &customer))
	assert.Equal(t, "Acme Heating", customer.Name)
	require.NotNil(t, customer.LastViewedAt)
}

func TestInvoiceFingerprintIgnoresDraftPath(t *testing.T) {
	a := NewInvoiceAdapter()

	base := json.RawMessage(`{"id":"inv-1","job_id":"job-7","customer_id":"cust-1","currency":"EUR","status":"draft","amount_cents":12500}`)
	withPath := json.RawMessage(`{"id":"inv-1","job_id":"job-7","customer_id":"cust-1","currency":"EUR","status":"draft","amount_cents":12500,"draft_pdf_path":"/tmp/inv-1.pdf"}`)

	fp1, err := a.Fingerprint(base)
	require.NoError(t, err)
	fp2, err := a.Fingerprint(withPath)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestTeamMemberFingerprintStable(t *testing.T) {
	a := NewTeamMemberAdapter()

	// Key order must not matter.
	fp1, err := a.Fingerprint(json.RawMessage(`{"id":"tm-1","name":"Ada","role":"technician"}`))
	require.NoError(t, err)
	fp2, err := a.Fingerprint(json.RawMessage(`{"role":"technician","id":"tm-1","name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestToWireRejectsMalformedData(t *testing.T) {
	for _, a := range []Adapter{
		NewJobAdapter(), NewCustomerAdapter(), NewInvoiceAdapter(), NewTeamMemberAdapter(),
	} {
		_, err := a.ToWire(json.RawMessage(`{broken`))
		assert.Error(t, err, "adapter %s", a.EntityType())
	}
}
