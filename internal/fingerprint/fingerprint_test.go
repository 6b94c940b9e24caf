package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"title":"Leak repair","status":"scheduled"}`)
	b := json.RawMessage(`{"status":"scheduled","title":"Leak repair"}`)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHash_StableAcrossWhitespace(t *testing.T) {
	a := json.RawMessage(`{"id": "job-1",  "nested": {"b": 2, "a": 1}}`)
	b := json.RawMessage(`{"nested":{"a":1,"b":2},"id":"job-1"}`)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHash_DifferentContentDiffers(t *testing.T) {
	a := json.RawMessage(`{"title":"Leak repair"}`)
	b := json.RawMessage(`{"title":"Boiler service"}`)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestHash_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{name: "empty document", raw: nil},
		{name: "invalid JSON", raw: json.RawMessage(`{"broken":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Hash(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestEqual(t *testing.T) {
	a := json.RawMessage(`{"x":1,"y":2}`)
	b := json.RawMessage(`{"y":2,"x":1}`)
	c := json.RawMessage(`{"x":1,"y":3}`)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, json.RawMessage(`not json`)))
}
