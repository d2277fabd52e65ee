// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"testing"
)

func TestRegisterIdempotent(t *testing.T) {
	first := Register("my-channel")
	second := Register("my-channel")
	if !bytes.Equal(first, second) {
		t.Error("same channel produced different public ids")
	}
	if len(first) != PublicIDSize {
		t.Errorf("public id is %d bytes, want %d", len(first), PublicIDSize)
	}
	if first[0] != 0x00 {
		t.Errorf("version byte = 0x%02x, want 0x00", first[0])
	}

	other := Register("other-channel")
	if bytes.Equal(first, other) {
		t.Error("different channels produced the same public id")
	}
}

func TestAttestValidate(t *testing.T) {
	actor := "did:web:a.test"
	signature, publicID := Attest(actor, "c1")

	if !bytes.Equal(publicID, Register("c1")) {
		t.Error("Attest returned a different public id than Register")
	}
	if err := Validate(signature, actor, publicID); err != nil {
		t.Errorf("valid attestation rejected: %v", err)
	}
}

func TestValidateRejectsWrongActor(t *testing.T) {
	signature, publicID := Attest("did:web:a.test", "c1")
	if err := Validate(signature, "did:web:b.test", publicID); err == nil {
		t.Error("attestation verified for the wrong actor")
	}
}

func TestValidateRejectsWrongChannel(t *testing.T) {
	signature, _ := Attest("did:web:a.test", "c1")
	if err := Validate(signature, "did:web:a.test", Register("c2")); err == nil {
		t.Error("attestation verified under the wrong channel")
	}
}

func TestValidateRejectsBadPublicID(t *testing.T) {
	signature, publicID := Attest("did:web:a.test", "c1")

	short := publicID[:10]
	if err := Validate(signature, "did:web:a.test", short); err == nil {
		t.Error("short public id accepted")
	}

	wrongVersion := append([]byte{0x01}, publicID[1:]...)
	if err := Validate(signature, "did:web:a.test", wrongVersion); err == nil {
		t.Error("unknown version byte accepted")
	}
}
