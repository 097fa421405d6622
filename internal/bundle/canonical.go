// Package bundle assembles and verifies the signed evidence archive
// produced at the end of every run.
package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders a value as canonical JSON bytes: object keys
// sorted, no insignificant whitespace, LF-free single line. Signing
// and verification both operate on these bytes, so the rendering must
// be stable across processes.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through a generic document so struct field order
	// cannot leak into the output; maps marshal with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return CanonicalizeJSONBytes(raw)
}

// CanonicalizeJSONBytes canonicalizes an existing JSON document.
// Numbers pass through verbatim via json.Number, so no float
// reformatting can change the signed bytes.
func CanonicalizeJSONBytes(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical parse: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}
