// Package contenthash provides SHA-256 content hashing over canonical JSON.
// It is used to derive stable keys for category ontology rows (so re-seeding
// identical ontology data is idempotent) and to fingerprint manifest blobs.
// Keeping this logic in a dedicated package gives the seeding, storage, and
// aggregation layers one consistent hashing behaviour without duplicating
// crypto/sha256 wiring throughout the codebase.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Hash computes the SHA-256 hex digest of the canonical JSON encoding of v.
// Map keys are serialized in sorted order, so two logically equal values
// always produce the same digest regardless of insertion order.
func Hash(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize value: %w", err)
	}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical value: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader computes the SHA-256 hex digest of data from a reader.
func HashReader(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to hash reader: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// canonicalize converts v into a form whose JSON encoding is deterministic.
// encoding/json already sorts map[string]any keys, but nested values arriving
// as arbitrary structs or maps with non-string keys are normalised through a
// marshal/unmarshal round trip first.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return sortValue(generic), nil
}

func sortValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sorted := make(map[string]any, len(val))
		for _, k := range keys {
			sorted[k] = sortValue(val[k])
		}
		return sorted
	case []any:
		for i := range val {
			val[i] = sortValue(val[i])
		}
		return val
	default:
		return v
	}
}
