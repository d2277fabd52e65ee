// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel derives per-channel Ed25519 keypairs and produces
// the attestations that prove an actor knows a channel.
//
// A channel is a secret capability string. Its keypair is derived
// deterministically (seed = SHA-256 of the channel), so every holder
// of the channel derives the same keys. The public id — a version byte
// followed by the public key — is publishable and used as a message
// tag; it does not reveal the channel. An attestation is an Ed25519
// signature over the actor id under the channel's private key, so a
// third party holding only the public id can check that the actor
// knew the channel.
package channel

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
)

// PublicIDSize is the length of a channel public id: one version byte
// plus the Ed25519 public key.
const PublicIDSize = 1 + ed25519.PublicKeySize

// publicIDVersion is the current (and only) public id version byte.
const publicIDVersion = 0x00

// Register derives the channel's public id. The same channel string
// always yields the same id.
func Register(channel string) []byte {
	privateKey := deriveKey(channel)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	id := make([]byte, 0, PublicIDSize)
	id = append(id, publicIDVersion)
	return append(id, publicKey...)
}

// Attest signs the actor id under the channel's private key, returning
// the signature and the channel public id.
func Attest(actor, channel string) (signature, publicID []byte) {
	privateKey := deriveKey(channel)
	signature = ed25519.Sign(privateKey, []byte(actor))
	return signature, Register(channel)
}

// Validate checks an attestation against an actor and a channel public
// id. It fails on an unknown version byte, a malformed id, or a
// signature that does not verify.
func Validate(signature []byte, actor string, publicID []byte) error {
	if len(publicID) != PublicIDSize {
		return fmt.Errorf("channel: public id is %d bytes, want %d", len(publicID), PublicIDSize)
	}
	if publicID[0] != publicIDVersion {
		return fmt.Errorf("channel: unknown public id version 0x%02x", publicID[0])
	}
	publicKey := ed25519.PublicKey(publicID[1:])
	if !ed25519.Verify(publicKey, []byte(actor), signature) {
		return fmt.Errorf("channel: attestation does not verify")
	}
	return nil
}

func deriveKey(channel string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(channel))
	return ed25519.NewKeyFromSeed(seed[:])
}
