// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package discover is the read side of the protocol: fetching single
// objects by URL, deleting own objects, and the merged multi-inbox
// discovery stream with tombstone handling and lazy validation of
// untrusted messages.
package discover

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/graffiti-garden/implementation-decentralized/announce"
	"github.com/graffiti-garden/implementation-decentralized/bucket"
	"github.com/graffiti-garden/implementation-decentralized/identity"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/object"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Config holds the collaborators of a Client.
type Config struct {
	Inbox    *inbox.Client
	Bucket   *bucket.Client
	Engine   *announce.Engine
	Resolver identity.Resolver

	// DefaultInboxEndpoints are the public inboxes queried when no
	// session is given.
	DefaultInboxEndpoints []string

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client runs the discovery pipeline.
type Client struct {
	inbox          *inbox.Client
	bucket         *bucket.Client
	engine         *announce.Engine
	resolver       identity.Resolver
	defaultInboxes []string
	logger         *slog.Logger
}

// NewClient creates a discovery client.
func NewClient(config Config) (*Client, error) {
	if config.Inbox == nil || config.Bucket == nil || config.Engine == nil || config.Resolver == nil {
		return nil, fmt.Errorf("discover: Inbox, Bucket, Engine, and Resolver are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		inbox:          config.Inbox,
		bucket:         config.Bucket,
		engine:         config.Engine,
		resolver:       config.Resolver,
		defaultInboxes: config.DefaultInboxEndpoints,
		logger:         logger,
	}, nil
}

// inboxSet picks the inboxes a read fans out over: the session's
// personal and shared inboxes when logged in, the configured public
// defaults otherwise. A session always supplies the set, even when
// the session actor differs from the actor being read.
func (c *Client) inboxSet(session *protocol.Session) []protocol.Endpoint {
	if session != nil {
		set := make([]protocol.Endpoint, 0, 1+len(session.SharedInboxes))
		set = append(set, session.PersonalInbox)
		return append(set, session.SharedInboxes...)
	}
	set := make([]protocol.Endpoint, 0, len(c.defaultInboxes))
	for _, endpoint := range c.defaultInboxes {
		set = append(set, protocol.Endpoint{URL: endpoint})
	}
	return set
}

// Get fetches one object by URL: each inbox in order is queried under
// the URL tag and reduced to the last non-tombstoned matching object.
// A tombstone clears the candidate, so a deleted object is NotFound
// from any inbox that received both announcements. On a hit the
// caller's schema is checked; a mismatch surfaces as SchemaMismatch.
func (c *Client) Get(ctx context.Context, objectURL string, schema any, session *protocol.Session) (*protocol.Object, error) {
	if _, _, err := object.DecodeURL(objectURL); err != nil {
		return nil, protocol.NewError(protocol.KindNotFound, "undecodable object URL: %v", err)
	}
	compiled, err := protocol.CompileSchema(schema)
	if err != nil {
		return nil, err
	}

	inboxes := c.inboxSet(session)
	if len(inboxes) == 0 {
		return nil, protocol.NewError(protocol.KindNotFound,
			"no inboxes to query: not logged in and no default inbox endpoints configured")
	}

	for _, endpoint := range inboxes {
		found, err := c.getFromInbox(ctx, endpoint, objectURL, session)
		if err != nil {
			c.logger.Warn("get: inbox query failed", "endpoint", endpoint.URL, "url", objectURL, "error", err)
			continue
		}
		if found == nil {
			continue
		}
		if !compiled.Matches(found.Value) {
			return nil, protocol.NewError(protocol.KindSchemaMismatch,
				"object %s does not match the caller's schema", objectURL)
		}
		return found, nil
	}
	return nil, protocol.NewError(protocol.KindNotFound, "object %s not found in any inbox", objectURL)
}

func (c *Client) getFromInbox(ctx context.Context, endpoint protocol.Endpoint, objectURL string, session *protocol.Session) (*protocol.Object, error) {
	stream, err := c.inbox.Query(ctx, endpoint.URL, [][]byte{[]byte(objectURL)}, nil, endpoint.Token)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var candidate *protocol.Object
	for {
		labeled, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if labeled == nil {
			return candidate, nil
		}
		result := c.processMessage(ctx, endpoint, labeled, nil, session)
		if result == nil || result.URL != objectURL {
			continue
		}
		if result.Tombstone {
			candidate = nil
			continue
		}
		candidate = result.Object
	}
}

// Delete tombstones an object the session's actor owns. The actor
// embedded in the URL must match the session actor — checked before
// any network traffic. The object's self-copy supplies the bucket key
// and the receipts of every prior announcement; the bucket value is
// deleted and the object re-announced as a tombstone so each server
// learns which prior message to collapse.
func (c *Client) Delete(ctx context.Context, objectURL string, session *protocol.Session) error {
	if session == nil {
		return protocol.NewError(protocol.KindUnauthorized, "delete requires a session")
	}
	actor, _, err := object.DecodeURL(objectURL)
	if err != nil {
		return protocol.NewError(protocol.KindNotFound, "undecodable object URL: %v", err)
	}
	if actor != session.Actor {
		return protocol.NewError(protocol.KindForbidden,
			"object belongs to %s, session is %s", actor, session.Actor)
	}

	selfCopy, selfMessageID, err := c.findSelfCopy(ctx, objectURL, session)
	if err != nil {
		return err
	}
	metadata, err := protocol.DecodeMetadata(selfCopy.Metadata)
	if err != nil {
		return protocol.NewError(protocol.KindProtocolViolation, "self-copy metadata: %v", err)
	}
	if metadata.Self == nil {
		return protocol.NewError(protocol.KindProtocolViolation, "self-copy carries no self metadata")
	}

	if err := c.bucket.Delete(ctx, session.StorageBucket.URL, metadata.BucketKey, session.StorageBucket.Token); err != nil {
		// Already gone is fine: a retried delete must converge.
		if !protocol.IsKind(err, protocol.KindNotFound) {
			return fmt.Errorf("discover: deleting bucket value: %w", err)
		}
	}

	tombstones := &announce.Tombstones{
		BucketKey:     metadata.BucketKey,
		SelfMessageID: selfMessageID,
		ByActor:       map[string]string{},
		ByEndpoint:    map[string]string{},
	}
	for _, receipt := range metadata.Self.Receipts {
		switch {
		case receipt.Actor != "":
			tombstones.ByActor[receipt.Actor] = receipt.ID
		case receipt.Endpoint != "":
			tombstones.ByEndpoint[receipt.Endpoint] = receipt.ID
		}
	}

	encoded := &object.Encoded{
		Object:         selfCopy.Object,
		Tags:           channelTags(selfCopy.Object.Channels),
		AllowedTickets: metadata.Self.AllowedTickets,
	}
	if _, err := c.engine.Announce(ctx, encoded, session, tombstones); err != nil {
		return fmt.Errorf("discover: announcing tombstone: %w", err)
	}
	return nil
}

// findSelfCopy locates the live self-announcement of an object in the
// session's personal inbox.
func (c *Client) findSelfCopy(ctx context.Context, objectURL string, session *protocol.Session) (*protocol.Message, string, error) {
	stream, err := c.inbox.Query(ctx, session.PersonalInbox.URL, [][]byte{[]byte(objectURL)}, nil, session.PersonalInbox.Token)
	if err != nil {
		return nil, "", err
	}
	defer stream.Close()

	var found *protocol.Message
	var foundID string
	for {
		labeled, err := stream.Next(ctx)
		if err != nil {
			return nil, "", err
		}
		if labeled == nil {
			break
		}
		if labeled.Label == protocol.LabelTrash || labeled.Label == protocol.LabelInvalid {
			continue
		}
		if labeled.Message.Object.URL != objectURL {
			continue
		}
		metadata, err := protocol.DecodeMetadata(labeled.Message.Metadata)
		if err != nil || metadata.Self == nil {
			continue
		}
		// A tombstone self-copy means the object is already deleted.
		if metadata.PriorMessageID != "" {
			return nil, "", protocol.NewError(protocol.KindNotFound, "object %s is already deleted", objectURL)
		}
		message := labeled.Message
		found = &message
		foundID = labeled.ID
	}
	if found == nil {
		return nil, "", protocol.NewError(protocol.KindNotFound, "no self-copy of %s", objectURL)
	}
	return found, foundID, nil
}

func channelTags(channels []string) [][]byte {
	tags := make([][]byte, 0, len(channels))
	for _, ch := range channels {
		tags = append(tags, channelPublicID(ch))
	}
	return tags
}
