// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
)

// Metadata is the tagged sum carried in Message.Metadata. All variants
// share the storage bucket key and the optional tombstoned prior
// message id. At most one of Self and Recipient may be set:
//
//   - base form (neither): masked deliveries to shared inboxes.
//   - Self: the author's own copy in their personal inbox. Holds the
//     allowed tickets and the announcement receipts.
//   - Recipient: a per-recipient delivery of a private object. Holds
//     that recipient's ticket and index in the allowed list.
//
// The variant is recovered on decode from the discriminating keys:
// `a` (recipient) versus `s`/`n` (self).
type Metadata struct {
	// BucketKey locates the envelope bytes in the author's storage
	// bucket.
	BucketKey string

	// PriorMessageID, when set, marks this announcement as a
	// tombstone for the identified earlier message on the same
	// server.
	PriorMessageID string

	Self      *SelfMetadata
	Recipient *RecipientMetadata
}

// SelfMetadata is the self-variant payload.
type SelfMetadata struct {
	// AllowedTickets are the per-recipient tickets of a private
	// object, in allowed-list order. nil for public objects.
	AllowedTickets [][]byte

	// Receipts record every non-self announcement of the object.
	Receipts []Receipt
}

// RecipientMetadata is the recipient-variant payload.
type RecipientMetadata struct {
	// AllowedTicket is this recipient's ticket.
	AllowedTicket []byte

	// AllowedIndex is the recipient's position in the object's
	// allowed list.
	AllowedIndex int
}

// metadataWire is the single-letter-key CBOR shape of Metadata.
type metadataWire struct {
	K string     `cbor:"k"`
	T string     `cbor:"t,omitempty"`
	S *[][]byte  `cbor:"s,omitempty"`
	N *[]Receipt `cbor:"n,omitempty"`
	A []byte     `cbor:"a,omitempty"`
	I *int       `cbor:"i,omitempty"`
}

// Encode serializes the metadata to its canonical CBOR form. It
// rejects metadata with both variants set, and recipient metadata
// without a ticket.
func (m *Metadata) Encode() ([]byte, error) {
	if m.BucketKey == "" {
		return nil, fmt.Errorf("protocol: metadata has no bucket key")
	}
	if m.Self != nil && m.Recipient != nil {
		return nil, fmt.Errorf("protocol: metadata sets both self and recipient variants")
	}

	wire := metadataWire{K: m.BucketKey, T: m.PriorMessageID}
	switch {
	case m.Self != nil:
		if m.Self.AllowedTickets != nil {
			tickets := m.Self.AllowedTickets
			wire.S = &tickets
		}
		receipts := m.Self.Receipts
		if receipts == nil {
			receipts = []Receipt{}
		}
		wire.N = &receipts
	case m.Recipient != nil:
		if len(m.Recipient.AllowedTicket) == 0 {
			return nil, fmt.Errorf("protocol: recipient metadata has no ticket")
		}
		wire.A = m.Recipient.AllowedTicket
		index := m.Recipient.AllowedIndex
		if index < 0 {
			return nil, fmt.Errorf("protocol: recipient metadata has negative allowed index %d", index)
		}
		wire.I = &index
	}

	encoded, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding metadata: %w", err)
	}
	return encoded, nil
}

// DecodeMetadata parses a metadata map, recovering the variant from
// the discriminating keys. A map carrying both discriminants is
// rejected.
func DecodeMetadata(data []byte) (*Metadata, error) {
	var wire metadataWire
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("protocol: decoding metadata: %w", err)
	}
	if wire.K == "" {
		return nil, fmt.Errorf("protocol: metadata has no bucket key")
	}

	isSelf := wire.S != nil || wire.N != nil
	isRecipient := wire.A != nil || wire.I != nil
	if isSelf && isRecipient {
		return nil, fmt.Errorf("protocol: metadata carries both self and recipient keys")
	}

	metadata := &Metadata{
		BucketKey:      wire.K,
		PriorMessageID: wire.T,
	}
	switch {
	case isSelf:
		self := &SelfMetadata{}
		if wire.S != nil {
			self.AllowedTickets = *wire.S
		}
		if wire.N != nil {
			self.Receipts = *wire.N
		}
		metadata.Self = self
	case isRecipient:
		if len(wire.A) == 0 {
			return nil, fmt.Errorf("protocol: recipient metadata has no ticket")
		}
		if wire.I == nil {
			return nil, fmt.Errorf("protocol: recipient metadata has no allowed index")
		}
		if *wire.I < 0 {
			return nil, fmt.Errorf("protocol: recipient metadata has negative allowed index %d", *wire.I)
		}
		metadata.Recipient = &RecipientMetadata{
			AllowedTicket: wire.A,
			AllowedIndex:  *wire.I,
		}
	}
	return metadata, nil
}
