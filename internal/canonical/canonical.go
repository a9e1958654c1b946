// Package canonical produces deterministic JSON encodings and fingerprints of
// request payloads. Two payloads that differ only in object key order, number
// spelling or the presence of null fields canonicalize to the same bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON form of payload with null
// object members removed. Array order is preserved.
func Canonicalize(payload any) (string, error) {
	data, err := canonicalBytes(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Fingerprint returns the lowercase hex SHA-256 of the canonical form.
func Fingerprint(payload any) (string, error) {
	data, err := canonicalBytes(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashString returns the lowercase hex SHA-256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func canonicalBytes(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode payload: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode payload: %w", err)
	}

	pruned, err := json.Marshal(dropNulls(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: re-encode payload: %w", err)
	}
	out, err := jcs.Transform(pruned)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// dropNulls removes null members from objects at every depth. Nulls inside
// arrays are kept since removing them would shift positions.
func dropNulls(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if item == nil {
				continue
			}
			out[key] = dropNulls(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = dropNulls(item)
		}
		return out
	default:
		return value
	}
}
