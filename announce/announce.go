// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package announce stores encoded objects in the author's bucket and
// fans their announcements out to inboxes: per-recipient personal
// inboxes for private objects, the configured shared inboxes for
// public ones, and always a self-copy in the author's own inbox.
//
// Per-destination failures are logged and skipped — a post succeeds as
// long as the bucket write and the self-announcement succeed. The
// self-copy records a receipt per destination so a later delete can
// point each server at the exact message to collapse.
package announce

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/graffiti-garden/implementation-decentralized/bucket"
	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/identity"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/object"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// bucketKeyBytes is the entropy in a bucket key. Keys are random per
// post — even identical values land under fresh keys.
const bucketKeyBytes = 16

// Config holds the collaborators of an Engine.
type Config struct {
	Inbox    *inbox.Client
	Bucket   *bucket.Client
	Resolver identity.Resolver
	// Logger receives per-destination failure reports. If nil,
	// slog.Default().
	Logger *slog.Logger
}

// Engine performs announcements.
type Engine struct {
	inbox    *inbox.Client
	bucket   *bucket.Client
	resolver identity.Resolver
	logger   *slog.Logger
}

// NewEngine creates an announcement engine.
func NewEngine(config Config) (*Engine, error) {
	if config.Inbox == nil || config.Bucket == nil || config.Resolver == nil {
		return nil, fmt.Errorf("announce: Inbox, Bucket, and Resolver are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		inbox:    config.Inbox,
		bucket:   config.Bucket,
		resolver: config.Resolver,
		logger:   logger,
	}, nil
}

// Tombstones marks an announcement as a deletion. It carries the
// message ids of the prior announcements of the same object, taken
// from the receipts stored in the self-copy's metadata, so each
// destination learns which message to collapse.
type Tombstones struct {
	// BucketKey is the (already deleted) bucket key of the object.
	// The tombstone's metadata keeps pointing at it: readers that
	// fetch it get NotFound, which is what marks the tombstone as
	// correct.
	BucketKey string

	// SelfMessageID is the prior self-announcement's id.
	SelfMessageID string

	// ByActor maps a recipient actor to the prior per-recipient
	// message id.
	ByActor map[string]string

	// ByEndpoint maps a shared inbox endpoint to the prior message
	// id there.
	ByEndpoint map[string]string
}

// Result reports where an announcement landed.
type Result struct {
	Object protocol.Object

	// BucketKey is the key the envelope bytes were stored under (or,
	// for tombstones, the deleted key the metadata references).
	BucketKey string

	// SelfMessageID is the id of the self-announcement.
	SelfMessageID string

	// Receipts are the non-self deliveries that succeeded.
	Receipts []protocol.Receipt
}

// Announce writes the envelope to the session's bucket and dispatches
// the announcements. A non-nil tombstone skips the bucket write (the
// value was already deleted) and threads the prior message ids into
// each destination's metadata.
func (e *Engine) Announce(ctx context.Context, encoded *object.Encoded, session *protocol.Session, tombstone *Tombstones) (*Result, error) {
	if session == nil {
		return nil, protocol.NewError(protocol.KindUnauthorized, "announcing requires a session")
	}
	if encoded.Object.Actor != session.Actor {
		return nil, protocol.NewError(protocol.KindForbidden,
			"object actor %s does not match session actor %s", encoded.Object.Actor, session.Actor)
	}

	bucketKey, err := e.placeBytes(ctx, encoded, session, tombstone)
	if err != nil {
		return nil, err
	}

	// Every announcement carries the full tag list: the channel
	// public ids plus the URL tag for per-URL lookup. Tags are never
	// masked — only the embedded object is.
	tags := append(append([][]byte{}, encoded.Tags...), []byte(encoded.Object.URL))

	var receipts []protocol.Receipt
	if encoded.Object.IsPrivate() {
		receipts = e.announceToRecipients(ctx, encoded, tags, bucketKey, tombstone)
	} else {
		receipts = e.announceToSharedInboxes(ctx, session, encoded, tags, bucketKey, tombstone)
	}

	selfMessageID, err := e.announceToSelf(ctx, session, encoded, tags, bucketKey, receipts, tombstone)
	if err != nil {
		return nil, err
	}

	return &Result{
		Object:        encoded.Object,
		BucketKey:     bucketKey,
		SelfMessageID: selfMessageID,
		Receipts:      receipts,
	}, nil
}

// placeBytes stores the envelope under a fresh random key, or reuses
// the deleted key for tombstones.
func (e *Engine) placeBytes(ctx context.Context, encoded *object.Encoded, session *protocol.Session, tombstone *Tombstones) (string, error) {
	if tombstone != nil {
		if tombstone.BucketKey == "" {
			return "", fmt.Errorf("announce: tombstone names no bucket key")
		}
		return tombstone.BucketKey, nil
	}

	raw := make([]byte, bucketKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("announce: generating bucket key: %w", err)
	}
	bucketKey := bytestring.Encode(raw)

	if err := e.bucket.Put(ctx, session.StorageBucket.URL, bucketKey, encoded.Bytes, session.StorageBucket.Token); err != nil {
		return "", fmt.Errorf("announce: storing object bytes: %w", err)
	}
	return bucketKey, nil
}

// announceToRecipients delivers a private object to each recipient's
// personal inbox, masked down to that recipient.
func (e *Engine) announceToRecipients(ctx context.Context, encoded *object.Encoded, tags [][]byte, bucketKey string, tombstone *Tombstones) []protocol.Receipt {
	var receipts []protocol.Receipt
	for index, recipient := range encoded.Object.Allowed {
		masked := encoded.Object
		masked.Channels = []string{}
		masked.Allowed = []string{recipient}

		metadata := &protocol.Metadata{
			BucketKey: bucketKey,
			Recipient: &protocol.RecipientMetadata{
				AllowedTicket: encoded.AllowedTickets[index],
				AllowedIndex:  index,
			},
		}
		if tombstone != nil {
			metadata.PriorMessageID = tombstone.ByActor[recipient]
		}

		messageID, err := e.deliverToActor(ctx, recipient, tags, masked, metadata)
		if err != nil {
			e.logger.Warn("announcement to recipient failed",
				"recipient", recipient, "url", encoded.Object.URL, "error", err)
			continue
		}
		receipts = append(receipts, protocol.Receipt{ID: messageID, Actor: recipient})
	}
	return receipts
}

func (e *Engine) deliverToActor(ctx context.Context, recipient string, tags [][]byte, masked protocol.Object, metadata *protocol.Metadata) (string, error) {
	document, err := e.resolver.Resolve(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("resolving: %w", err)
	}
	endpoint, err := document.PersonalInbox()
	if err != nil {
		return "", err
	}
	encodedMetadata, err := metadata.Encode()
	if err != nil {
		return "", err
	}
	return e.inbox.Send(ctx, endpoint, &protocol.Message{
		Tags:     tags,
		Object:   masked,
		Metadata: encodedMetadata,
	})
}

// announceToSharedInboxes delivers a public object, masked to its
// public form, to each of the session's shared inboxes.
func (e *Engine) announceToSharedInboxes(ctx context.Context, session *protocol.Session, encoded *object.Encoded, tags [][]byte, bucketKey string, tombstone *Tombstones) []protocol.Receipt {
	masked := encoded.Object
	masked.Channels = []string{}
	masked.Allowed = nil

	var receipts []protocol.Receipt
	for _, shared := range session.SharedInboxes {
		metadata := &protocol.Metadata{BucketKey: bucketKey}
		if tombstone != nil {
			metadata.PriorMessageID = tombstone.ByEndpoint[shared.URL]
		}
		encodedMetadata, err := metadata.Encode()
		if err != nil {
			e.logger.Warn("encoding shared announcement metadata failed",
				"endpoint", shared.URL, "error", err)
			continue
		}

		messageID, err := e.inbox.Send(ctx, shared.URL, &protocol.Message{
			Tags:     tags,
			Object:   masked,
			Metadata: encodedMetadata,
		})
		if err != nil {
			e.logger.Warn("announcement to shared inbox failed",
				"endpoint", shared.URL, "url", encoded.Object.URL, "error", err)
			continue
		}
		receipts = append(receipts, protocol.Receipt{ID: messageID, Endpoint: shared.URL})
	}
	return receipts
}

// announceToSelf stores the author's own copy: the full object with
// channels and allowed list intact, the tickets, and the receipts.
func (e *Engine) announceToSelf(ctx context.Context, session *protocol.Session, encoded *object.Encoded, tags [][]byte, bucketKey string, receipts []protocol.Receipt, tombstone *Tombstones) (string, error) {
	metadata := &protocol.Metadata{
		BucketKey: bucketKey,
		Self: &protocol.SelfMetadata{
			AllowedTickets: encoded.AllowedTickets,
			Receipts:       receipts,
		},
	}
	if tombstone != nil {
		metadata.PriorMessageID = tombstone.SelfMessageID
	}
	encodedMetadata, err := metadata.Encode()
	if err != nil {
		return "", fmt.Errorf("announce: encoding self metadata: %w", err)
	}

	messageID, err := e.inbox.Send(ctx, session.PersonalInbox.URL, &protocol.Message{
		Tags:     tags,
		Object:   encoded.Object,
		Metadata: encodedMetadata,
	})
	if err != nil {
		return "", fmt.Errorf("announce: self-announcement: %w", err)
	}
	return messageID, nil
}
