// Package cborcanon provides canonical CBOR encoding helpers used as the
// single codec for both the archive container index and the sync wire
// protocol, so a value round-trips to the same bytes regardless of which
// path produced it.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is a CBOR encoding mode with deterministic key order and
// the shortest-form integer/float encodings: the "Canonical CBOR" of
// RFC 7049 §3.9, which sorts map keys by encoded length first, then
// bytewise.
var CanonicalMode cbor.EncMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR format.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// CanonicalBytes ensures the input bytes represent canonical CBOR by
// unmarshaling and re-marshaling in canonical form.
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are already in canonical form.
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}
