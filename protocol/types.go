// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
)

// MaxObjectBytes is the size limit on an encoded object envelope.
// Encoding a larger object fails with TooLarge; the discovery pipeline
// refuses to download bucket values past this limit.
const MaxObjectBytes = 32 * 1024

// MaxFanout caps the combined number of channels and allowed
// recipients on one object. The envelope size budget implies a bound
// in this region anyway; enforcing it explicitly fails fast before any
// bucket write or announcement.
const MaxFanout = 1000

// Label is the server-side validation state attached to an inbox
// message.
type Label int64

const (
	// LabelUnlabeled means no client has validated the message yet.
	LabelUnlabeled Label = 0
	// LabelValid means a client fetched the referenced object and its
	// cryptographic validation passed.
	LabelValid Label = 1
	// LabelTrash marks a message collapsed by a tombstone.
	LabelTrash Label = 2
	// LabelInvalid marks a message whose validation failed. Invalid
	// messages are never retried.
	LabelInvalid Label = 3
)

// Object is the public-facing form of a post.
type Object struct {
	// URL is the graffiti: URL binding the actor to the content
	// address of the object's envelope bytes.
	URL string `cbor:"url" json:"url"`

	// Actor is the opaque decentralized identifier of the author.
	Actor string `cbor:"actor" json:"actor"`

	// Value is the JSON-like payload.
	Value any `cbor:"value" json:"value"`

	// Channels are the secret capability strings the object was
	// posted to. Masked (empty) on every announcement except the
	// author's self-copy.
	Channels []string `cbor:"channels" json:"channels"`

	// Allowed lists the recipients of a private object. nil means
	// public; a non-nil slice (including empty) means private.
	Allowed []string `cbor:"allowed,omitempty" json:"allowed,omitempty"`
}

// IsPrivate reports whether the object has an allowed list.
func (o *Object) IsPrivate() bool { return o.Allowed != nil }

// Message is the wire form of an announcement: tags the message is
// filed under, the (possibly masked) object, and the encoded metadata
// map.
type Message struct {
	// Tags are the opaque byte strings the inbox files the message
	// under: one channel public id per channel, plus a UTF-8 object
	// URL tag for per-URL lookup.
	Tags [][]byte `cbor:"t"`

	// Object is the embedded object. Channels are masked and the
	// allowed list reduced according to the destination; see
	// the announce package.
	Object Object `cbor:"o"`

	// Metadata is the CBOR-encoded metadata map; see Metadata.
	Metadata []byte `cbor:"m"`
}

// LabeledMessage is a message as returned by an inbox, with its
// server-stored id and label.
type LabeledMessage struct {
	ID      string  `cbor:"id"`
	Message Message `cbor:"m"`
	Label   Label   `cbor:"l"`
}

// Receipt records where one announcement of an object landed. The
// author's self-copy stores a receipt per destination so a later
// delete can tell each server which message to collapse.
type Receipt struct {
	// ID is the message id returned by the destination inbox.
	ID string `cbor:"id"`
	// Endpoint is set for shared-inbox deliveries.
	Endpoint string `cbor:"e,omitempty"`
	// Actor is set for per-recipient personal-inbox deliveries.
	Actor string `cbor:"a,omitempty"`
}

// Endpoint is a service endpoint plus the bearer token authorizing
// calls to it. The token may be nil for services that were resolved
// without authentication.
type Endpoint struct {
	URL   string
	Token *secret.Buffer
}

// Session is a resolved login: the actor plus its authorized service
// endpoints.
type Session struct {
	Actor         string
	StorageBucket Endpoint
	PersonalInbox Endpoint
	SharedInboxes []Endpoint
}
