// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"context"

	"github.com/graffiti-garden/implementation-decentralized/channel"
	"github.com/graffiti-garden/implementation-decentralized/object"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Result is one emission of the discovery pipeline: a validated
// object, a tombstone for a URL, or a per-origin error (the stream
// continues past errors on one endpoint).
type Result struct {
	// URL is the object URL the result concerns. Empty for pure
	// per-origin errors.
	URL string

	// Object is the validated object. nil for tombstones and errors.
	Object *protocol.Object

	// Tombstone marks the URL as deleted.
	Tombstone bool

	// Err is a per-origin failure, e.g. CursorExpired on one endpoint
	// of a continued discovery.
	Err error

	// Origin is the inbox endpoint the result came from.
	Origin string
}

func channelPublicID(ch string) []byte { return channel.Register(ch) }

// processMessage runs one labeled message through the validation
// pipeline and returns the result to emit, or nil to skip the
// message.
//
// channelsByTag maps tag bytes (as string) to the queried channel
// names; non-nil for discovery queries, nil for URL-tag lookups. When
// non-nil, a yielded object's channels are refilled with the matched
// subset — matching none is a server violation, since the inbox must
// only return messages filed under the queried tags.
func (c *Client) processMessage(ctx context.Context, endpoint protocol.Endpoint, labeled *protocol.LabeledMessage, channelsByTag map[string]string, session *protocol.Session) *Result {
	if labeled.Label == protocol.LabelTrash || labeled.Label == protocol.LabelInvalid {
		return nil
	}

	message := labeled.Message
	objectURL := message.Object.URL

	metadata, err := protocol.DecodeMetadata(message.Metadata)
	if err != nil {
		c.logger.Warn("message metadata does not parse",
			"endpoint", endpoint.URL, "message_id", labeled.ID, "error", err)
		c.label(ctx, endpoint, labeled.ID, protocol.LabelInvalid)
		return nil
	}

	if labeled.Label == protocol.LabelValid {
		// Server-vouched: an earlier client already fetched and
		// verified the envelope.
		return c.restore(message, channelsByTag, endpoint)
	}

	// Unlabeled: fetch the envelope from the author's bucket and
	// validate it here.
	document, err := c.resolver.Resolve(ctx, message.Object.Actor)
	if err != nil {
		if protocol.IsKind(err, protocol.KindNotFound) {
			c.label(ctx, endpoint, labeled.ID, protocol.LabelInvalid)
		}
		return nil
	}
	bucketEndpoint, err := document.StorageBucket()
	if err != nil {
		c.label(ctx, endpoint, labeled.ID, protocol.LabelInvalid)
		return nil
	}

	envelopeBytes, err := c.bucket.Get(ctx, bucketEndpoint, metadata.BucketKey, protocol.MaxObjectBytes)
	if err != nil {
		switch {
		case protocol.IsKind(err, protocol.KindNotFound) && metadata.PriorMessageID != "":
			// The bytes are gone and the message marks a deletion:
			// the tombstone is correct.
			c.collapseTombstone(ctx, endpoint, labeled.ID, metadata.PriorMessageID, objectURL)
			return &Result{URL: objectURL, Tombstone: true, Origin: endpoint.URL}
		case protocol.IsKind(err, protocol.KindNotFound),
			protocol.IsKind(err, protocol.KindTooLarge),
			protocol.IsKind(err, protocol.KindProtocolViolation):
			c.label(ctx, endpoint, labeled.ID, protocol.LabelInvalid)
			return nil
		default:
			// Transport trouble: leave the message unlabeled so a
			// later pass can retry.
			c.logger.Warn("bucket fetch failed",
				"endpoint", bucketEndpoint, "message_id", labeled.ID, "error", err)
			return nil
		}
	}

	private, ok := c.privateInfo(metadata, &message, session)
	if !ok {
		// A per-recipient delivery read without a session cannot be
		// judged either way.
		return nil
	}

	if err := object.Validate(objectURL, message.Object.Value, message.Tags, envelopeBytes, private); err != nil {
		c.logger.Warn("object validation failed",
			"endpoint", endpoint.URL, "message_id", labeled.ID, "url", objectURL, "error", err)
		c.label(ctx, endpoint, labeled.ID, protocol.LabelInvalid)
		return nil
	}

	c.label(ctx, endpoint, labeled.ID, protocol.LabelValid)
	return c.restore(message, channelsByTag, endpoint)
}

// privateInfo derives the validation info for a message's envelope
// from its metadata variant. The second return is false when the
// message cannot be validated by this reader at all.
func (c *Client) privateInfo(metadata *protocol.Metadata, message *protocol.Message, session *protocol.Session) (*object.PrivateInfo, bool) {
	switch {
	case metadata.Recipient != nil:
		if session == nil {
			return nil, false
		}
		return &object.PrivateInfo{
			Recipient:     session.Actor,
			AllowedTicket: metadata.Recipient.AllowedTicket,
			AllowedIndex:  metadata.Recipient.AllowedIndex,
		}, true
	case metadata.Self != nil && metadata.Self.AllowedTickets != nil:
		return &object.PrivateInfo{
			AllowedTickets: metadata.Self.AllowedTickets,
			AllowedActors:  message.Object.Allowed,
		}, true
	default:
		return nil, true
	}
}

// restore builds the emitted object. For discovery queries the masked
// channel list is refilled with the subset of queried channels whose
// tags the message carries.
func (c *Client) restore(message protocol.Message, channelsByTag map[string]string, endpoint protocol.Endpoint) *Result {
	restored := message.Object
	if channelsByTag != nil {
		var matched []string
		for _, tag := range message.Tags {
			if name, ok := channelsByTag[string(tag)]; ok {
				matched = append(matched, name)
			}
		}
		if len(matched) == 0 {
			return &Result{
				URL:    restored.URL,
				Origin: endpoint.URL,
				Err: protocol.NewError(protocol.KindProtocolViolation,
					"inbox %s returned a message carrying none of the queried tags", endpoint.URL),
			}
		}
		restored.Channels = matched
	}
	return &Result{URL: restored.URL, Object: &restored, Origin: endpoint.URL}
}

// collapseTombstone labels a verified tombstone as trash, along with
// the prior message it collapses when that message announces the same
// URL. Best-effort: failures are logged, the tombstone result stands.
func (c *Client) collapseTombstone(ctx context.Context, endpoint protocol.Endpoint, tombstoneID, priorID, objectURL string) {
	c.label(ctx, endpoint, tombstoneID, protocol.LabelTrash)

	prior, err := c.inbox.Get(ctx, endpoint.URL, priorID, endpoint.Token)
	if err != nil {
		c.logger.Warn("fetching tombstoned prior message failed",
			"endpoint", endpoint.URL, "message_id", priorID, "error", err)
		return
	}
	if prior.Message.Object.URL == objectURL {
		c.label(ctx, endpoint, priorID, protocol.LabelTrash)
	}
}

func (c *Client) label(ctx context.Context, endpoint protocol.Endpoint, messageID string, label protocol.Label) {
	if err := c.inbox.Label(ctx, endpoint.URL, messageID, label, endpoint.Token); err != nil {
		c.logger.Warn("labeling message failed",
			"endpoint", endpoint.URL, "message_id", messageID, "label", label, "error", err)
	}
}
