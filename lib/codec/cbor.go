// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the canonical CBOR encoding used everywhere a
// Graffiti client serializes protocol data: object envelopes, message
// metadata, wire request/response bodies, and cache-key hash inputs.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Content addresses are hashes over encoded envelopes and envelope
// validation compares re-encoded values byte for byte, so the same
// logical data must always produce identical bytes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown map keys are ignored for
// forward compatibility with newer metadata fields.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Object values are schemaless JSON-like data. When the
		// decoding target is any, pick map[string]any rather than the
		// CBOR default map[any]any so decoded values interoperate
		// with encoding/json and ordinary Go code.
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

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Use it to delay decoding or
// to carry pre-encoded CBOR, without importing fxamacker/cbor directly.
type RawMessage = cbor.RawMessage

// Equal reports whether a and b encode to identical bytes. Both values
// are re-encoded deterministically, so structurally equal data compares
// equal regardless of the representation it arrived in.
func Equal(a, b any) (bool, error) {
	encodedA, err := Marshal(a)
	if err != nil {
		return false, err
	}
	encodedB, err := Marshal(b)
	if err != nil {
		return false, err
	}
	if len(encodedA) != len(encodedB) {
		return false, nil
	}
	for i := range encodedA {
		if encodedA[i] != encodedB[i] {
			return false, nil
		}
	}
	return true, nil
}
