// Package fingerprint computes stable content fingerprints for sync
// conflict detection. The same JSON document always produces the same
// fingerprint regardless of key order or whitespace, so client and server
// can compare entity versions without shipping full documents around.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the fingerprint of a JSON document.
// The document is canonicalized first (keys sorted, whitespace dropped),
// so logically equal documents hash identically.
func Hash(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("cannot fingerprint empty document")
	}

	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize document: %w", err)
	}

	sum := xxhash.Sum64(canonical)
	return strconv.FormatUint(sum, 16), nil
}

// Canonicalize re-encodes a JSON document into a canonical byte form:
// object keys sorted lexicographically, no insignificant whitespace.
// encoding/json sorts map keys on marshal, which gives us both for free.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode document: %w", err)
	}

	return canonical, nil
}

// Equal reports whether two JSON documents have the same fingerprint.
// Returns false if either document fails to fingerprint.
func Equal(a, b json.RawMessage) bool {
	ha, err := Hash(a)
	if err != nil {
		return false
	}
	hb, err := Hash(b)
	if err != nil {
		return false
	}
	return ha == hb
}
