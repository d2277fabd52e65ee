// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package contentaddr

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestRegisterFraming(t *testing.T) {
	data := []byte("hello")
	address, err := Register(MethodSHA256, data)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(address) != Size {
		t.Fatalf("address is %d bytes, want %d", len(address), Size)
	}
	if address[0] != 0x12 || address[1] != 0x20 {
		t.Errorf("prefix = %x %x, want 12 20", address[0], address[1])
	}
	digest := sha256.Sum256(data)
	if !bytes.Equal(address[2:], digest[:]) {
		t.Error("digest does not match sha256 of input")
	}
}

func TestRegisterIdempotentAndUnique(t *testing.T) {
	first, err := Register(MethodSHA256, []byte("a"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := Register(MethodSHA256, []byte("a"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same input produced different addresses")
	}

	other, err := Register(MethodSHA256, []byte("b"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if bytes.Equal(first, other) {
		t.Error("different inputs produced the same address")
	}
}

func TestRegisterUnknownMethod(t *testing.T) {
	if _, err := Register("blake3", []byte("x")); err == nil {
		t.Error("unknown method accepted")
	}
}

func TestMethodOf(t *testing.T) {
	address, err := Register(MethodSHA256, []byte("x"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	method, err := MethodOf(address)
	if err != nil {
		t.Fatalf("MethodOf: %v", err)
	}
	if method != MethodSHA256 {
		t.Errorf("method = %q", method)
	}
}

func TestMethodOfRejectsMalformed(t *testing.T) {
	address, _ := Register(MethodSHA256, []byte("x"))

	cases := map[string][]byte{
		"short":        address[:10],
		"long":         append(append([]byte{}, address...), 0x00),
		"wrong code":   append([]byte{0x13, 0x20}, address[2:]...),
		"wrong length": append([]byte{0x12, 0x21}, address[2:]...),
		"empty":        {},
	}
	for name, bad := range cases {
		if _, err := MethodOf(bad); err == nil {
			t.Errorf("%s address accepted", name)
		}
	}
}
