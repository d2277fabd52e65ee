// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is the local store behind the inbox client: labeled
// messages keyed by endpoint and message id, and per-query state
// (server cursor, version, seen message ids, rate-limit deadline).
//
// Two backends exist: an in-memory store and the persistent SQLite
// store in cache/sqlitecache. The cache is scoped to one logical user;
// keys incorporate the endpoint URL and the hashed request body, so
// parallel sessions cannot collide.
package cache

import (
	"context"
	"time"

	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// QueryState is the persisted state of one query or export stream.
type QueryState struct {
	// Cursor is the server-side cursor for the next page. Empty until
	// the first page returns.
	Cursor string `cbor:"cursor"`

	// Version is rotated whenever the server-side cursor is
	// invalidated. A client cursor holding a stale version fails
	// resume with CursorExpired.
	Version string `cbor:"version"`

	// MessageIDs are the ids of every message this query has
	// returned, in server order. Replays serve from this list.
	MessageIDs []string `cbor:"messageIds"`

	// WaitTil is the earliest time the next server request may be
	// issued, derived from a Retry-After header. Zero means no limit.
	// Persisted so restarts keep honoring the server's rate limit.
	WaitTil time.Time `cbor:"waitTil,omitempty"`
}

// Store is the typed cache interface shared by the in-memory and
// SQLite backends. Writers hold the per-query advisory lock; readers
// outside the lock observe a monotonically growing prefix.
type Store interface {
	// GetMessage returns the cached labeled message under key, if
	// any.
	GetMessage(ctx context.Context, key string) (*protocol.LabeledMessage, bool, error)

	// PutMessage stores a labeled message under key, replacing any
	// prior copy (last writer wins).
	PutMessage(ctx context.Context, key string, message *protocol.LabeledMessage) error

	// GetQuery returns the stored query state under key, if any.
	GetQuery(ctx context.Context, key string) (*QueryState, bool, error)

	// PutQuery stores query state under key.
	PutQuery(ctx context.Context, key string, state *QueryState) error

	// DeleteQuery discards query state. Cached messages are left in
	// place — they are keyed independently and shared across queries.
	DeleteQuery(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// MessageKey builds the composite cache key for a message: the
// self-describing encodings of the inbox URL and the message id,
// joined by a colon neither encoding can contain.
func MessageKey(inboxURL, messageID string) string {
	return bytestring.Encode([]byte(inboxURL)) + ":" + bytestring.Encode([]byte(messageID))
}
