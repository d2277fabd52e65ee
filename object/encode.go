// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package object encodes posts into canonical attested envelopes and
// validates received envelopes against their URL, actor, channels, and
// recipient information.
//
// The envelope is the unit that gets content-addressed: a
// deterministically CBOR-encoded map holding the value, the channel
// attestations (aligned positionally with the announcement's tags),
// the allowed attestations for private objects, and a fresh random
// nonce so structurally identical posts still get unique URLs.
package object

import (
	"crypto/rand"
	"fmt"

	"github.com/graffiti-garden/implementation-decentralized/allowed"
	"github.com/graffiti-garden/implementation-decentralized/channel"
	"github.com/graffiti-garden/implementation-decentralized/contentaddr"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// nonceSize is the length of the envelope nonce.
const nonceSize = 32

// envelope is the wire shape of the hashed and transmitted object
// form. The A pointer distinguishes an absent allowed list (public)
// from a present-but-empty one (private with no recipients), which the
// validation rules treat differently.
type envelope struct {
	V codec.RawMessage `cbor:"v"`
	C [][]byte         `cbor:"c"`
	A *[][]byte        `cbor:"a,omitempty"`
	N []byte           `cbor:"n"`
}

// Encoded is the result of encoding a post: the public object, the
// channel tags for its announcements, the envelope bytes to store in
// the bucket, and — for private objects — the per-recipient tickets.
type Encoded struct {
	Object protocol.Object

	// Tags are the channel public ids, one per channel, in channel
	// order. The announce engine appends the URL tag.
	Tags [][]byte

	// Bytes is the canonical envelope encoding; its hash is the
	// object's content address.
	Bytes []byte

	// AllowedTickets are the recipients' capabilities, in allowed
	// order. nil for public objects.
	AllowedTickets [][]byte
}

// Encode builds the envelope for a post. allowedActors nil means
// public; a non-nil slice (including empty) means private. The
// combined channel and recipient count is capped at
// protocol.MaxFanout, and envelopes over protocol.MaxObjectBytes fail
// with TooLarge — both before any network I/O.
func Encode(value any, channels []string, allowedActors []string, actor string) (*Encoded, error) {
	if actor == "" {
		return nil, fmt.Errorf("object: actor is required")
	}
	if len(channels)+len(allowedActors) > protocol.MaxFanout {
		return nil, protocol.NewError(protocol.KindTooLarge,
			"%d channels and recipients exceed the fan-out cap of %d",
			len(channels)+len(allowedActors), protocol.MaxFanout)
	}

	encodedValue, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("object: encoding value: %w", err)
	}

	attestations := make([][]byte, 0, len(channels))
	tags := make([][]byte, 0, len(channels))
	for _, ch := range channels {
		signature, publicID := channel.Attest(actor, ch)
		attestations = append(attestations, signature)
		tags = append(tags, publicID)
	}

	var allowedMACs *[][]byte
	var tickets [][]byte
	if allowedActors != nil {
		macs := make([][]byte, 0, len(allowedActors))
		tickets = make([][]byte, 0, len(allowedActors))
		for _, recipient := range allowedActors {
			attestation, err := allowed.Attest(recipient)
			if err != nil {
				return nil, fmt.Errorf("object: attesting recipient %s: %w", recipient, err)
			}
			macs = append(macs, attestation.MAC)
			tickets = append(tickets, attestation.Ticket)
		}
		allowedMACs = &macs
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("object: generating nonce: %w", err)
	}

	envelopeBytes, err := codec.Marshal(envelope{
		V: encodedValue,
		C: attestations,
		A: allowedMACs,
		N: nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("object: encoding envelope: %w", err)
	}
	if len(envelopeBytes) > protocol.MaxObjectBytes {
		return nil, protocol.NewError(protocol.KindTooLarge,
			"envelope is %d bytes, limit %d", len(envelopeBytes), protocol.MaxObjectBytes)
	}

	address, err := contentaddr.Register(contentaddr.MethodSHA256, envelopeBytes)
	if err != nil {
		return nil, fmt.Errorf("object: addressing envelope: %w", err)
	}

	return &Encoded{
		Object: protocol.Object{
			URL:      EncodeURL(actor, address),
			Actor:    actor,
			Value:    value,
			Channels: channels,
			Allowed:  allowedActors,
		},
		Tags:           tags,
		Bytes:          envelopeBytes,
		AllowedTickets: tickets,
	}, nil
}
