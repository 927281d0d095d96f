package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: object keys in lexicographic
// order at every nesting level, no insignificant whitespace. Two payloads
// that are semantically equal always canonicalize to identical bytes, which
// makes the derived hash stable across processes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}

	// Round-trip through interface{} so every object becomes a map, which
	// encoding/json marshals with sorted keys.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return json.Marshal(generic)
}

// ContentHash returns the hex SHA-256 of the canonical JSON form of v. This
// is the identity used for version dedupe.
func ContentHash(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex SHA-256 of raw bytes, used for fetched payloads
// and section text.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
