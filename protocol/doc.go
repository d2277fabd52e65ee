// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the data model shared by every layer of the
// Graffiti client: objects, wire messages, message labels, the
// polymorphic announcement metadata envelope, sessions, and the
// protocol error taxonomy.
//
// Wire encodings in this package use the canonical single-letter CBOR
// keys; see the field tags on the wire structs. Everything here is
// plain data — the cryptographic operations over it live in the
// channel, allowed, contentaddr, and object packages.
package protocol
