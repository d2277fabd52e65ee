// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"context"
	"fmt"
	"sync"

	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Stream is the merged discovery stream over a set of inboxes.
//
// Endpoints advance independently — a slow inbox never blocks the
// others — so the merged stream has no global order; callers must be
// idempotent with respect to interleaving. Within the merge, each
// object URL is emitted live at most once and as a tombstone at most
// once; once a URL is tombstoned, later live emissions of it are
// suppressed.
//
// Next returns (nil, nil) when every endpoint has caught up; Cursor
// then serializes the per-endpoint positions for ContinueDiscover.
// Stream is not safe for concurrent use by multiple goroutines.
type Stream struct {
	results <-chan *Result
	cancel  context.CancelFunc

	channels []string

	mu      sync.Mutex
	cursors map[string]string

	state    map[string]*urlState
	finished bool
}

type urlState struct {
	live       bool
	tombstoned bool
}

// discoverCursor is the serialized form of a discovery cursor: the
// queried channels plus one inbox-stream cursor per endpoint.
type discoverCursor struct {
	Channels []string          `cbor:"channels"`
	Cursors  map[string]string `cbor:"cursors"`
}

// Discover opens a merged stream over every object announced to any
// of the given channels, validated and filtered by schema.
func (c *Client) Discover(ctx context.Context, channels []string, schema any, session *protocol.Session) (*Stream, error) {
	if _, err := protocol.CompileSchema(schema); err != nil {
		return nil, err
	}

	tags := make([][]byte, 0, len(channels))
	channelsByTag := make(map[string]string, len(channels))
	for _, name := range channels {
		tag := channelPublicID(name)
		tags = append(tags, tag)
		channelsByTag[string(tag)] = name
	}

	inboxes := c.inboxSet(session)
	if len(inboxes) == 0 {
		return nil, protocol.NewError(protocol.KindNotFound,
			"no inboxes to query: not logged in and no default inbox endpoints configured")
	}

	openStream := func(endpoint protocol.Endpoint) (*inbox.Stream, error) {
		return c.inbox.Query(ctx, endpoint.URL, tags, schema, endpoint.Token)
	}
	return c.merge(ctx, channels, channelsByTag, inboxes, openStream, session)
}

// ContinueDiscover resumes a discovery stream from a cursor. Each
// endpoint resumes from its own position; an endpoint whose cursor has
// expired yields one per-origin error result and the rest continue.
func (c *Client) ContinueDiscover(ctx context.Context, cursor string, session *protocol.Session) (*Stream, error) {
	decoded, err := bytestring.Decode(cursor)
	if err != nil {
		return nil, protocol.NewError(protocol.KindCursorExpired, "undecodable discovery cursor: %v", err)
	}
	var wire discoverCursor
	if err := codec.Unmarshal(decoded, &wire); err != nil {
		return nil, protocol.NewError(protocol.KindCursorExpired, "undecodable discovery cursor: %v", err)
	}

	channelsByTag := make(map[string]string, len(wire.Channels))
	for _, name := range wire.Channels {
		channelsByTag[string(channelPublicID(name))] = name
	}

	var endpoints []protocol.Endpoint
	for endpointURL := range wire.Cursors {
		endpoints = append(endpoints, protocol.Endpoint{
			URL:   endpointURL,
			Token: tokenFor(endpointURL, session),
		})
	}
	if len(endpoints) == 0 {
		return nil, protocol.NewError(protocol.KindCursorExpired, "discovery cursor names no endpoints")
	}

	openStream := func(endpoint protocol.Endpoint) (*inbox.Stream, error) {
		return c.inbox.ContinueQuery(ctx, endpoint.URL, wire.Cursors[endpoint.URL], endpoint.Token)
	}
	return c.merge(ctx, wire.Channels, channelsByTag, endpoints, openStream, session)
}

func tokenFor(endpointURL string, session *protocol.Session) *secret.Buffer {
	if session == nil {
		return nil
	}
	if session.PersonalInbox.URL == endpointURL {
		return session.PersonalInbox.Token
	}
	for _, shared := range session.SharedInboxes {
		if shared.URL == endpointURL {
			return shared.Token
		}
	}
	return nil
}

// merge fans one goroutine out per endpoint, each pushing processed
// results into a shared channel — a join over per-iterator next()
// indexed by origin.
func (c *Client) merge(ctx context.Context, channels []string, channelsByTag map[string]string, endpoints []protocol.Endpoint, openStream func(protocol.Endpoint) (*inbox.Stream, error), session *protocol.Session) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	results := make(chan *Result)

	stream := &Stream{
		results:  results,
		cancel:   cancel,
		channels: channels,
		cursors:  make(map[string]string),
		state:    make(map[string]*urlState),
	}

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint protocol.Endpoint) {
			defer wg.Done()
			c.drainEndpoint(streamCtx, endpoint, channelsByTag, openStream, session, results, stream)
		}(endpoint)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return stream, nil
}

func (c *Client) drainEndpoint(ctx context.Context, endpoint protocol.Endpoint, channelsByTag map[string]string, openStream func(protocol.Endpoint) (*inbox.Stream, error), session *protocol.Session, results chan<- *Result, stream *Stream) {
	emit := func(result *Result) bool {
		select {
		case results <- result:
			return true
		case <-ctx.Done():
			return false
		}
	}

	inboxStream, err := openStream(endpoint)
	if err != nil {
		emit(&Result{Err: err, Origin: endpoint.URL})
		return
	}
	defer inboxStream.Close()

	for {
		labeled, err := inboxStream.Next(ctx)
		if err != nil {
			emit(&Result{Err: err, Origin: endpoint.URL})
			return
		}
		if labeled == nil {
			cursor, err := inboxStream.Cursor()
			if err != nil {
				emit(&Result{Err: err, Origin: endpoint.URL})
				return
			}
			stream.mu.Lock()
			stream.cursors[endpoint.URL] = cursor
			stream.mu.Unlock()
			return
		}
		if result := c.processMessage(ctx, endpoint, labeled, channelsByTag, session); result != nil {
			if !emit(result) {
				return
			}
		}
	}
}

// Next returns the next merged result, or (nil, nil) once every
// endpoint has caught up.
func (s *Stream) Next(ctx context.Context) (*Result, error) {
	for {
		select {
		case result, ok := <-s.results:
			if !ok {
				s.finished = true
				return nil, nil
			}
			if result.Err != nil {
				return result, nil
			}
			state := s.state[result.URL]
			if state == nil {
				state = &urlState{}
				s.state[result.URL] = state
			}
			if result.Tombstone {
				if state.tombstoned {
					continue
				}
				state.tombstoned = true
				return result, nil
			}
			if state.tombstoned || state.live {
				continue
			}
			state.live = true
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cursor serializes the per-endpoint positions. Valid once Next has
// returned (nil, nil).
func (s *Stream) Cursor() (string, error) {
	if !s.finished {
		return "", fmt.Errorf("discover: cursor requested before the stream caught up")
	}
	s.mu.Lock()
	cursors := make(map[string]string, len(s.cursors))
	for endpoint, cursor := range s.cursors {
		cursors[endpoint] = cursor
	}
	s.mu.Unlock()

	encoded, err := codec.Marshal(discoverCursor{Channels: s.channels, Cursors: cursors})
	if err != nil {
		return "", fmt.Errorf("discover: encoding cursor: %w", err)
	}
	return bytestring.Encode(encoded), nil
}

// Close stops the stream: endpoint goroutines stop after their
// in-flight page completes, and underlying inbox streams release
// their query locks.
func (s *Stream) Close() {
	s.cancel()
	for range s.results {
		// Drain so endpoint goroutines blocked on the results channel
		// observe the cancellation and exit.
	}
	s.finished = true
}
