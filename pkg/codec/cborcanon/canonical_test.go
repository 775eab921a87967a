package cborcanon

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// Golden test vectors for canonical CBOR determinism
var canonicalTestVectors = []struct {
	name     string
	input    interface{}
	expected string // hex-encoded canonical CBOR
}{
	{
		name:     "simple_map",
		input:    map[string]interface{}{"b": 2, "a": 1},
		expected: "", // Not pinned: only round-trip determinism is checked
	},
	{
		name: "nested_map",
		input: map[string]interface{}{
			"z": 3,
			"a": map[string]interface{}{
				"y": 2,
				"x": 1,
			},
		},
		expected: "", // Not pinned: only round-trip determinism is checked
	},
	{
		name:     "array",
		input:    []interface{}{3, 1, 2},
		expected: "83030102", // [3, 1, 2] - arrays preserve order
	},
	{
		name:     "mixed_types",
		input:    map[string]interface{}{"str": "hello", "num": 42, "bool": true},
		expected: "", // Not pinned: only round-trip determinism is checked
	},
	{
		name:     "empty_map",
		input:    map[string]interface{}{},
		expected: "a0", // {}
	},
	{
		name:     "empty_array",
		input:    []interface{}{},
		expected: "80", // []
	},
}

func TestCanonicalEncoding(t *testing.T) {
	for _, tv := range canonicalTestVectors {
		t.Run(tv.name, func(t *testing.T) {
			encoded, err := Marshal(tv.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			encodedHex := hex.EncodeToString(encoded)

			// Only check expected value if it's provided
			if tv.expected != "" && encodedHex != tv.expected {
				t.Errorf("Expected %s, got %s", tv.expected, encodedHex)
			}

			// Verify round-trip
			var decoded interface{}
			if err := Unmarshal(encoded, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			// Re-encode to verify determinism
			reencoded, err := Marshal(decoded)
			if err != nil {
				t.Fatalf("Re-marshal failed: %v", err)
			}

			if !bytes.Equal(encoded, reencoded) {
				t.Errorf("Encoding not deterministic: %x != %x", encoded, reencoded)
			}

			// Log the actual encoding for reference
			t.Logf("Canonical CBOR for %s: %s", tv.name, encodedHex)
		})
	}
}

func TestIsCanonical(t *testing.T) {
	tests := []struct {
		name      string
		data      string // hex-encoded CBOR
		canonical bool
	}{
		{
			name:      "canonical_map",
			data:      "a2616101616202", // {"a": 1, "b": 2}
			canonical: true,
		},
		{
			name:      "non_canonical_map",
			data:      "a2616202616101", // {"b": 2, "a": 1} - wrong order
			canonical: false,
		},
		{
			name:      "canonical_array",
			data:      "83010203", // [1, 2, 3]
			canonical: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := hex.DecodeString(tt.data)
			if err != nil {
				t.Fatalf("Invalid hex: %v", err)
			}

			if IsCanonical(data) != tt.canonical {
				t.Errorf("IsCanonical() = %v, want %v", IsCanonical(data), tt.canonical)
			}
		})
	}
}

func TestCanonicalBytesRejectsGarbage(t *testing.T) {
	if _, err := CanonicalBytes([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error for malformed CBOR input")
	}
}

func BenchmarkCanonicalMarshal(b *testing.B) {
	data := map[string]interface{}{
		"version": 1,
		"kind":    10,
		"from":    "site:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
		"seq":     uint64(12345),
		"ts":      uint64(1609459200000),
		"body": map[string]interface{}{
			"key":   "some_key",
			"value": "some_value",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := Marshal(data)
		if err != nil {
			b.Fatal(err)
		}
	}
}
