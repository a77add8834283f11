// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Weft's standard CBOR encoding.
//
// The crypto store keeps several structured values as single blobs
// inside SQLite rows (shared-device sets, buffered undecryptable
// events, session export bundles). All of them go through this
// package, configured for Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical value always produces
// identical bytes, which keeps store rows byte-comparable in tests
// and makes export bundles reproducible.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When the decode target is any, pick map[string]any rather
		// than the CBOR default map[any]any. Weft never writes
		// non-string map keys, and map[string]any interoperates with
		// encoding/json and the rest of the codebase.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility across store schema revisions.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode of
// nested structures.
type RawMessage = cbor.RawMessage
