// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package contentaddr computes and validates multihash content
// addresses over object envelope bytes.
//
// An address is the standard multihash framing of a SHA-256 digest:
// 0x12 0x20 followed by the 32 digest bytes, 34 bytes total. Addresses
// are idempotent (same input, same address) and collision-resistant,
// which is what binds an object URL to its envelope bytes.
package contentaddr

import (
	"fmt"

	"github.com/multiformats/go-multihash"
)

// MethodSHA256 names the only supported hash method.
const MethodSHA256 = "sha2-256"

// Size is the byte length of every address: two multihash prefix bytes
// plus the SHA-256 digest.
const Size = 2 + 32

// Register hashes data under the named method and returns the
// multihash address. Only sha2-256 is supported.
func Register(method string, data []byte) ([]byte, error) {
	if method != MethodSHA256 {
		return nil, fmt.Errorf("contentaddr: unsupported hash method %q", method)
	}
	address, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("contentaddr: hashing: %w", err)
	}
	return address, nil
}

// MethodOf validates an address and returns its hash method. It fails
// on a wrong length, an unknown multihash prefix, or a digest length
// that does not match the declared method.
func MethodOf(address []byte) (string, error) {
	if len(address) != Size {
		return "", fmt.Errorf("contentaddr: address is %d bytes, want %d", len(address), Size)
	}
	decoded, err := multihash.Decode(address)
	if err != nil {
		return "", fmt.Errorf("contentaddr: invalid multihash: %w", err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return "", fmt.Errorf("contentaddr: unsupported hash code 0x%x", decoded.Code)
	}
	if decoded.Length != 32 {
		return "", fmt.Errorf("contentaddr: digest is %d bytes, want 32", decoded.Length)
	}
	return MethodSHA256, nil
}
