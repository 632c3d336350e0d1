// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic fingerprints of actors and capacity sets.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the canonical JSON representation of v. Struct json tags are
// honoured; key order and number formatting follow RFC 8785.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes an existing JSON document.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two JSON documents are canonically identical.
func Equal(a, b []byte) (bool, error) {
	ca, err := Transform(a)
	if err != nil {
		return false, err
	}
	cb, err := Transform(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
