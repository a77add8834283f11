// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type record struct {
		Room    string            `cbor:"room"`
		Index   uint32            `cbor:"index"`
		Devices map[string]string `cbor:"devices,omitempty"`
	}

	in := record{
		Room:    "!room:weft.local",
		Index:   42,
		Devices: map[string]string{"DEV1": "key1", "DEV2": "key2"},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Room != in.Room || out.Index != in.Index || len(out.Devices) != 2 {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	// Map encoding must be byte-identical regardless of insertion
	// order. Store tests compare rows byte-for-byte and rely on this.
	a, err := Marshal(map[string]int{"x": 1, "y": 2, "z": 3})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	b, err := Marshal(map[string]int{"z": 3, "x": 1, "y": 2})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("same map encoded to different bytes: %x vs %x", a, b)
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded to %T, want map[string]any", out)
	}
	if _, ok := top["nested"].(map[string]any); !ok {
		t.Errorf("nested value decoded to %T, want map[string]any", top["nested"])
	}
}
