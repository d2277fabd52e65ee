// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bytes"
	"fmt"

	"github.com/graffiti-garden/implementation-decentralized/allowed"
	"github.com/graffiti-garden/implementation-decentralized/channel"
	"github.com/graffiti-garden/implementation-decentralized/contentaddr"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// PrivateInfo carries the recipient information needed to validate a
// private envelope. Exactly one of the two cases applies:
//
//   - Self: AllowedTickets is non-nil (the author validating their own
//     copy, which stores every ticket). AllowedActors optionally
//     carries the allowed list so each MAC can be recomputed; without
//     it only the ticket count is checked.
//   - Recipient: Recipient is non-empty, with that recipient's ticket
//     and index into the envelope's attestation list.
type PrivateInfo struct {
	AllowedTickets [][]byte
	AllowedActors  []string

	Recipient     string
	AllowedTicket []byte
	AllowedIndex  int
}

// Validate checks envelope bytes against an object URL, the expected
// value, and the tags the message was received under.
//
// Attestations align with tags positionally: the i-th channel tag
// verifies against the i-th entry of the envelope's attestation list.
// A UTF-8 object-URL tag may appear among the tags and consumes no
// attestation. This index alignment is a wire invariant — validation
// never searches for a matching attestation.
//
// A nil private means the caller expects a public object: the envelope
// must carry no allowed attestations at all. Every failure is a
// protocol violation — cryptographic failures are never retried.
func Validate(objectURL string, expectedValue any, tags [][]byte, envelopeBytes []byte, private *PrivateInfo) error {
	actor, address, err := DecodeURL(objectURL)
	if err != nil {
		return protocol.NewError(protocol.KindProtocolViolation, "invalid object URL: %v", err)
	}

	recomputed, err := contentaddr.Register(contentaddr.MethodSHA256, envelopeBytes)
	if err != nil {
		return fmt.Errorf("object: addressing envelope: %w", err)
	}
	if !bytes.Equal(recomputed, address) {
		return protocol.NewError(protocol.KindProtocolViolation,
			"envelope bytes hash to a different content address than the URL")
	}

	var env envelope
	if err := codec.Unmarshal(envelopeBytes, &env); err != nil {
		return protocol.NewError(protocol.KindProtocolViolation, "undecodable envelope: %v", err)
	}
	if len(env.N) != nonceSize {
		return protocol.NewError(protocol.KindProtocolViolation,
			"envelope nonce is %d bytes, want %d", len(env.N), nonceSize)
	}

	expectedBytes, err := codec.Marshal(expectedValue)
	if err != nil {
		return fmt.Errorf("object: encoding expected value: %w", err)
	}
	if !bytes.Equal(expectedBytes, []byte(env.V)) {
		return protocol.NewError(protocol.KindProtocolViolation,
			"envelope value differs from the announced value")
	}

	if err := validateTags(actor, objectURL, tags, env.C); err != nil {
		return err
	}
	return validateAllowed(&env, private)
}

func validateTags(actor, objectURL string, tags [][]byte, attestations [][]byte) error {
	urlTag := []byte(objectURL)
	attestationIndex := 0
	for _, tag := range tags {
		if bytes.Equal(tag, urlTag) {
			continue
		}
		if attestationIndex >= len(attestations) {
			return protocol.NewError(protocol.KindProtocolViolation,
				"envelope is missing an attestation for tag %d", attestationIndex)
		}
		if err := channel.Validate(attestations[attestationIndex], actor, tag); err != nil {
			return protocol.NewError(protocol.KindProtocolViolation,
				"channel attestation %d does not verify: %v", attestationIndex, err)
		}
		attestationIndex++
	}
	if attestationIndex != len(attestations) {
		return protocol.NewError(protocol.KindProtocolViolation,
			"envelope carries %d extra channel attestations", len(attestations)-attestationIndex)
	}
	return nil
}

func validateAllowed(env *envelope, private *PrivateInfo) error {
	if private == nil {
		if env.A != nil {
			return protocol.NewError(protocol.KindProtocolViolation,
				"public envelope carries allowed attestations")
		}
		return nil
	}

	if env.A == nil {
		return protocol.NewError(protocol.KindProtocolViolation,
			"private envelope carries no allowed attestations")
	}
	macs := *env.A

	if private.AllowedTickets != nil {
		// Self case: the author's copy stores one ticket per
		// recipient.
		if len(macs) != len(private.AllowedTickets) {
			return protocol.NewError(protocol.KindProtocolViolation,
				"envelope has %d allowed attestations, tickets list %d",
				len(macs), len(private.AllowedTickets))
		}
		if len(private.AllowedActors) == len(private.AllowedTickets) {
			for i, recipient := range private.AllowedActors {
				if err := allowed.Validate(macs[i], recipient, private.AllowedTickets[i]); err != nil {
					return protocol.NewError(protocol.KindProtocolViolation,
						"allowed attestation %d does not verify: %v", i, err)
				}
			}
		}
		return nil
	}

	if private.Recipient == "" {
		return protocol.NewError(protocol.KindProtocolViolation,
			"private validation info names no recipient and no tickets")
	}
	if private.AllowedIndex < 0 || private.AllowedIndex >= len(macs) {
		return protocol.NewError(protocol.KindProtocolViolation,
			"allowed index %d out of range for %d attestations", private.AllowedIndex, len(macs))
	}
	if err := allowed.Validate(macs[private.AllowedIndex], private.Recipient, private.AllowedTicket); err != nil {
		return protocol.NewError(protocol.KindProtocolViolation,
			"allowed attestation for recipient does not verify: %v", err)
	}
	return nil
}
