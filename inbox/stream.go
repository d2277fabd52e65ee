// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/cache"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/netutil"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

type streamType string

const (
	typeQuery  streamType = "query"
	typeExport streamType = "export"
)

// replayBatch bounds how many cached messages one advance loads.
const replayBatch = 64

// Stream is a resumable paged read of one inbox query or export.
//
// Next yields messages in server order; a (nil, nil) return means the
// stream has caught up to current server state (not "end of inbox"),
// and Cursor returns an opaque string that resumes the stream later —
// across process restarts, as long as the server-side cursor survives.
//
// While a Stream refills from the server it holds the advisory lock
// for its query key; concurrent streams over the same query block on
// that lock and then replay the cached results instead of refetching.
// A Stream is not safe for concurrent use by multiple goroutines —
// open one Stream per reader.
type Stream struct {
	client   *Client
	inboxURL string
	kind     streamType
	token    *secret.Buffer

	// requestBody is the CBOR body of the first page of a fresh
	// query. nil for exports and continuations (those post empty
	// bodies).
	requestBody []byte
	schema      *protocol.Schema

	continuation    bool
	expectedVersion string

	cacheKey string
	version  string
	numSeen  int
	pending  []protocol.LabeledMessage
	locked   bool
	unlock   func()
	done     bool
	err      error

	// suppress holds ids already yielded before a silent restart
	// (server cursor expiry on a fresh query). The restarted query
	// returns them again; they advance the position without being
	// yielded twice.
	suppress map[string]bool
}

// cacheKeyInput is the hashed preimage of a query cache key.
type cacheKeyInput struct {
	URL  string           `cbor:"url"`
	Type string           `cbor:"type"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// cursorWire is the serialized form of a stream cursor.
type cursorWire struct {
	CacheKey string         `cbor:"cacheKey"`
	Version  string         `cbor:"version"`
	NumSeen  int            `cbor:"numSeen"`
	Schema   map[string]any `cbor:"schema,omitempty"`
}

// Query opens a stream over the messages an inbox files under any of
// the given tags, restricted to objects matching schema (a string-
// keyed pattern map, or nil for everything). The server receives the
// schema and must honor it; the client re-checks every result.
func (c *Client) Query(ctx context.Context, inboxURL string, tags [][]byte, schema any, token *secret.Buffer) (*Stream, error) {
	compiled, err := protocol.CompileSchema(schema)
	if err != nil {
		return nil, err
	}
	requestBody, err := codec.Marshal(queryRequest{Tags: tags, Schema: compiled.Pattern()})
	if err != nil {
		return nil, fmt.Errorf("inbox: encoding query body: %w", err)
	}
	return &Stream{
		client:      c,
		inboxURL:    inboxURL,
		kind:        typeQuery,
		token:       token,
		requestBody: requestBody,
		schema:      compiled,
		cacheKey:    queryCacheKey(inboxURL, typeQuery, requestBody),
	}, nil
}

// Export opens a stream over every message in an inbox. Requires a
// token.
func (c *Client) Export(ctx context.Context, inboxURL string, token *secret.Buffer) (*Stream, error) {
	if token == nil {
		return nil, protocol.NewError(protocol.KindUnauthorized, "export requires a token")
	}
	return &Stream{
		client:   c,
		inboxURL: inboxURL,
		kind:     typeExport,
		token:    token,
		cacheKey: queryCacheKey(inboxURL, typeExport, nil),
	}, nil
}

// ContinueQuery resumes a query stream from a cursor previously
// returned by Stream.Cursor. If the local cache for the query was
// discarded, rotated, or the server cursor has expired, Next fails
// with CursorExpired — the caller must reset their local view and
// start a fresh query.
func (c *Client) ContinueQuery(ctx context.Context, inboxURL, cursor string, token *secret.Buffer) (*Stream, error) {
	return c.continueStream(inboxURL, cursor, typeQuery, token)
}

// ContinueExport resumes an export stream from a cursor.
func (c *Client) ContinueExport(ctx context.Context, inboxURL, cursor string, token *secret.Buffer) (*Stream, error) {
	return c.continueStream(inboxURL, cursor, typeExport, token)
}

func (c *Client) continueStream(inboxURL, cursor string, kind streamType, token *secret.Buffer) (*Stream, error) {
	decoded, err := bytestring.Decode(cursor)
	if err != nil {
		return nil, protocol.NewError(protocol.KindCursorExpired, "undecodable cursor: %v", err)
	}
	var wire cursorWire
	if err := codec.Unmarshal(decoded, &wire); err != nil {
		return nil, protocol.NewError(protocol.KindCursorExpired, "undecodable cursor: %v", err)
	}
	if wire.CacheKey == "" || wire.Version == "" || wire.NumSeen < 0 {
		return nil, protocol.NewError(protocol.KindCursorExpired, "cursor is missing fields")
	}

	var compiled *protocol.Schema
	if kind == typeQuery {
		compiled, err = protocol.CompileSchema(anyOrNil(wire.Schema))
		if err != nil {
			return nil, err
		}
	}
	return &Stream{
		client:          c,
		inboxURL:        inboxURL,
		kind:            kind,
		token:           token,
		schema:          compiled,
		continuation:    true,
		expectedVersion: wire.Version,
		cacheKey:        wire.CacheKey,
		version:         wire.Version,
		numSeen:         wire.NumSeen,
	}, nil
}

// Next returns the next message, or (nil, nil) once the stream has
// caught up to the server. Errors are terminal for the stream.
func (s *Stream) Next(ctx context.Context) (*protocol.LabeledMessage, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}
		if len(s.pending) > 0 {
			message := s.pending[0]
			s.pending = s.pending[1:]
			s.numSeen++
			if s.suppress[message.ID] {
				continue
			}
			return &message, nil
		}
		if s.done {
			return nil, nil
		}
		if err := s.advance(ctx); err != nil {
			s.err = err
			s.release()
			return nil, err
		}
	}
}

// Cursor serializes the stream position. Valid once Next has returned
// (nil, nil); resuming from an earlier point would re-yield messages.
func (s *Stream) Cursor() (string, error) {
	var pattern map[string]any
	if s.schema != nil {
		pattern = s.schema.Pattern()
	}
	encoded, err := codec.Marshal(cursorWire{
		CacheKey: s.cacheKey,
		Version:  s.version,
		NumSeen:  s.numSeen,
		Schema:   pattern,
	})
	if err != nil {
		return "", fmt.Errorf("inbox: encoding cursor: %w", err)
	}
	return bytestring.Encode(encoded), nil
}

// Close releases the stream's advisory lock, if held, and ends the
// stream. Safe to call at any point and more than once; in-flight
// page fetches are not interrupted (there are none between Next
// calls).
func (s *Stream) Close() {
	s.done = true
	s.pending = nil
	s.release()
}

func (s *Stream) release() {
	if s.locked {
		s.unlock()
		s.locked = false
	}
}

// advance makes one unit of progress: replaying a batch from the
// cache, acquiring the refill lock, or fetching one page. It leaves
// new messages in s.pending or marks the stream done.
func (s *Stream) advance(ctx context.Context) error {
	state, ok, err := s.client.store.GetQuery(ctx, s.cacheKey)
	if err != nil {
		return fmt.Errorf("inbox: reading query state: %w", err)
	}

	if s.continuation {
		if !ok || state.Version != s.expectedVersion {
			return &protocol.Error{
				Kind:    protocol.KindCursorExpired,
				Message: "cached query state is gone or was rebuilt",
				Origin:  s.inboxURL,
			}
		}
	}
	if ok && s.version == "" {
		s.version = state.Version
	}

	if ok && s.numSeen < len(state.MessageIDs) {
		return s.replay(ctx, state)
	}

	if !s.locked {
		unlock, err := s.client.locks.Lock(ctx, s.cacheKey)
		if err != nil {
			return fmt.Errorf("inbox: acquiring query lock: %w", err)
		}
		s.locked = true
		s.unlock = unlock
		// Re-read the state on the next pass: it may have grown while
		// this stream was blocked behind another reader.
		return nil
	}

	return s.refill(ctx, state, ok)
}

// replay loads a batch of already-cached results into pending.
func (s *Stream) replay(ctx context.Context, state *cache.QueryState) error {
	end := min(len(state.MessageIDs), s.numSeen+replayBatch)
	for _, messageID := range state.MessageIDs[s.numSeen:end] {
		message, ok, err := s.client.store.GetMessage(ctx, cache.MessageKey(s.inboxURL, messageID))
		if err != nil {
			return fmt.Errorf("inbox: replaying message %s: %w", messageID, err)
		}
		if !ok {
			return fmt.Errorf("inbox: cache lists message %s but does not hold it", messageID)
		}
		s.pending = append(s.pending, *message)
	}
	return nil
}

// refill fetches one page from the server while holding the advisory
// lock, honoring any persisted rate-limit deadline first.
func (s *Stream) refill(ctx context.Context, state *cache.QueryState, haveState bool) error {
	if !haveState {
		state = &cache.QueryState{Version: newVersion()}
		if err := s.client.store.PutQuery(ctx, s.cacheKey, state); err != nil {
			return fmt.Errorf("inbox: initializing query state: %w", err)
		}
		s.version = state.Version
	}

	if wait := state.WaitTil.Sub(s.client.clock.Now()); wait > 0 {
		select {
		case <-s.client.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	query := url.Values{}
	var body []byte
	if state.Cursor != "" {
		query.Set("cursor", state.Cursor)
	} else if s.kind == typeQuery {
		body = s.requestBody
	}

	responseBody, response, err := s.client.doRequestResponse(
		ctx, http.MethodPost, s.inboxURL, "/"+string(s.kind), s.token, body, query)
	if err != nil {
		return s.handleRefillError(ctx, state, response, err)
	}

	var page pageResponse
	if err := codec.Unmarshal(responseBody, &page); err != nil {
		return fmt.Errorf("inbox: decoding %s page: %w", s.kind, err)
	}

	state.WaitTil = time.Time{}
	if wait := netutil.RetryAfter(response, s.client.clock.Now()); wait > 0 {
		state.WaitTil = s.client.clock.Now().Add(wait)
	}

	for _, result := range page.Results {
		if s.schema != nil && !s.schema.Matches(result.Message.Object.Value) {
			// The server broke the schema contract for this message.
			// Cache it as invalid and skip; the stream continues.
			s.client.logger.Warn("inbox returned message outside the query schema",
				"inbox", s.inboxURL, "message_id", result.ID)
			invalid := result
			invalid.Label = protocol.LabelInvalid
			if err := s.client.store.PutMessage(ctx, cache.MessageKey(s.inboxURL, result.ID), &invalid); err != nil {
				s.client.logger.Warn("caching schema-violating message failed", "error", err)
			}
			continue
		}
		if err := s.client.store.PutMessage(ctx, cache.MessageKey(s.inboxURL, result.ID), &result); err != nil {
			return fmt.Errorf("inbox: caching message %s: %w", result.ID, err)
		}
		state.MessageIDs = append(state.MessageIDs, result.ID)
		s.pending = append(s.pending, result)
	}

	state.Cursor = page.Cursor
	if err := s.client.store.PutQuery(ctx, s.cacheKey, state); err != nil {
		return fmt.Errorf("inbox: persisting query state: %w", err)
	}

	if !page.HasMore {
		s.done = true
		s.release()
	}
	return nil
}

// handleRefillError deals with the two retryable page-fetch outcomes:
// an expired server cursor and a rate limit. Everything else is
// terminal.
func (s *Stream) handleRefillError(ctx context.Context, state *cache.QueryState, response *http.Response, err error) error {
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) {
		return err
	}

	switch {
	case protocolErr.StatusCode == http.StatusGone:
		// The server-side cursor expired: the cached view of this
		// query is unrecoverable.
		if deleteErr := s.client.store.DeleteQuery(ctx, s.cacheKey); deleteErr != nil {
			s.client.logger.Warn("discarding expired query state failed", "error", deleteErr)
		}
		if s.continuation {
			return err
		}
		// A fresh query silently restarts from scratch. Messages this
		// stream already yielded will come back from the restarted
		// query; suppress them so the caller sees each exactly once.
		s.client.logger.Debug("server cursor expired, restarting query",
			"inbox", s.inboxURL)
		if s.suppress == nil {
			s.suppress = make(map[string]bool)
		}
		yielded := min(s.numSeen, len(state.MessageIDs))
		for _, messageID := range state.MessageIDs[:yielded] {
			s.suppress[messageID] = true
		}
		fresh := &cache.QueryState{Version: newVersion()}
		if putErr := s.client.store.PutQuery(ctx, s.cacheKey, fresh); putErr != nil {
			return fmt.Errorf("inbox: reinitializing query state: %w", putErr)
		}
		s.version = fresh.Version
		s.numSeen = 0
		s.pending = nil
		return nil

	case protocolErr.StatusCode == http.StatusTooManyRequests ||
		protocolErr.StatusCode == http.StatusServiceUnavailable:
		wait := time.Duration(0)
		if response != nil {
			wait = netutil.RetryAfter(response, s.client.clock.Now())
		}
		if wait <= 0 {
			return err
		}
		state.WaitTil = s.client.clock.Now().Add(wait)
		if putErr := s.client.store.PutQuery(ctx, s.cacheKey, state); putErr != nil {
			s.client.logger.Warn("persisting rate-limit deadline failed", "error", putErr)
		}
		// The next refill honors WaitTil before retrying the page.
		return nil
	}
	return err
}

func queryCacheKey(inboxURL string, kind streamType, body []byte) string {
	encoded, err := codec.Marshal(cacheKeyInput{
		URL:  inboxURL,
		Type: string(kind),
		Body: body,
	})
	if err != nil {
		// cacheKeyInput holds only strings and bytes; encoding cannot
		// fail at runtime.
		panic("inbox: encoding cache key input: " + err.Error())
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:])
}

func newVersion() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("inbox: reading randomness: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}

func anyOrNil(pattern map[string]any) any {
	if pattern == nil {
		return nil
	}
	return pattern
}
