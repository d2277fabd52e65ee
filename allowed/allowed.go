// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package allowed produces the per-recipient tickets and MACs that
// prove a recipient is on a private object's allowed list.
//
// A ticket is an opaque capability handed to exactly one recipient: a
// three-byte prefix followed by 32 random bytes. The attestation is an
// HMAC-SHA-256 over the recipient's actor id keyed by the ticket's
// random body. Holding a ticket lets a recipient prove inclusion
// without learning anything about the other recipients.
package allowed

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// TicketSize is the length of a ticket: the prefix plus 32 random
// bytes.
const TicketSize = 3 + 32

// ticketPrefix frames every ticket: a version byte followed by the
// sha2-256 multihash prefix, matching the framing of content
// addresses.
var ticketPrefix = []byte{0x00, 0x12, 0x20}

// Attestation is the result of attesting one recipient.
type Attestation struct {
	// MAC is HMAC-SHA-256(key = ticket body, message = actor).
	MAC []byte
	// Ticket is the recipient's capability.
	Ticket []byte
}

// Attest creates a fresh ticket for the actor and the matching MAC.
func Attest(actor string) (*Attestation, error) {
	ticket := make([]byte, TicketSize)
	copy(ticket, ticketPrefix)
	if _, err := rand.Read(ticket[len(ticketPrefix):]); err != nil {
		return nil, fmt.Errorf("allowed: generating ticket: %w", err)
	}
	return &Attestation{
		MAC:    computeMAC(ticket[len(ticketPrefix):], actor),
		Ticket: ticket,
	}, nil
}

// Validate checks a MAC against an actor and ticket. The comparison is
// constant-time.
func Validate(mac []byte, actor string, ticket []byte) error {
	if len(ticket) != TicketSize {
		return fmt.Errorf("allowed: ticket is %d bytes, want %d", len(ticket), TicketSize)
	}
	if !bytes.Equal(ticket[:len(ticketPrefix)], ticketPrefix) {
		return fmt.Errorf("allowed: ticket has an unknown prefix")
	}
	expected := computeMAC(ticket[len(ticketPrefix):], actor)
	if !hmac.Equal(mac, expected) {
		return fmt.Errorf("allowed: attestation does not verify")
	}
	return nil
}

func computeMAC(key []byte, actor string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(actor))
	return mac.Sum(nil)
}
