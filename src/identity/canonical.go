package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize renders a payload as deterministic JSON: object keys sorted
// lexicographically, no insignificant whitespace, UTF-8. Two semantically
// equal payloads always canonicalize to byte-identical output, which is what
// lets signatures round-trip.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonicalizeRaw(raw)
}

// CanonicalizeWithoutSignature canonicalizes a payload with its top-level
// "signature" field removed. Used when signing or verifying documents that
// embed their own signature.
func CanonicalizeWithoutSignature(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	if m, ok := tree.(map[string]any); ok {
		delete(m, "signature")
	}
	return encodeTree(tree)
}

func canonicalizeRaw(raw []byte) ([]byte, error) {
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	return encodeTree(tree)
}

// decodeTree parses JSON preserving numbers verbatim so re-encoding cannot
// reformat them.
func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return tree, nil
}

// encodeTree relies on encoding/json emitting map keys in sorted order and
// json.Number values byte-for-byte as parsed.
func encodeTree(tree any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
