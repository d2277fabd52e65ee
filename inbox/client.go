// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package inbox is the client for Graffiti inbox services: tagged
// message send, label, and fetch, plus the resumable paged query and
// export streams with local caching.
//
// One Client serves any number of inbox endpoints — every call takes
// the endpoint URL. Query results and fetched messages land in the
// configured cache store, keyed so that replays and concurrent readers
// of the same query never refetch a page the cache already holds.
package inbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/graffiti-garden/implementation-decentralized/cache"
	"github.com/graffiti-garden/implementation-decentralized/lib/clock"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/netutil"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// ClientConfig holds configuration for creating a Client. Every field
// is optional.
type ClientConfig struct {
	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock drives rate-limit waits. If nil, the real clock.
	Clock clock.Clock
	// Store is the message and query-state cache. If nil, a fresh
	// in-memory store.
	Store cache.Store
	// Locks is the advisory lock map shared by streams. If nil, a
	// fresh in-process map. Pass a shared instance when several
	// clients share one Store.
	Locks *cache.LockMap
}

// Client talks to inbox services.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	store      cache.Store
	locks      *cache.LockMap
}

// NewClient creates an inbox client.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	store := config.Store
	if store == nil {
		store = cache.NewMemory()
	}
	locks := config.Locks
	if locks == nil {
		locks = cache.NewLockMap()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		clock:      clk,
		store:      store,
		locks:      locks,
	}
}

// wire shapes of the inbox API bodies.
type sendResponse struct {
	ID string `cbor:"id"`
}

type labelRequest struct {
	Label protocol.Label `cbor:"l"`
}

type queryRequest struct {
	Tags   [][]byte       `cbor:"tags"`
	Schema map[string]any `cbor:"schema"`
}

type pageResponse struct {
	Results []protocol.LabeledMessage `cbor:"results"`
	HasMore bool                      `cbor:"hasMore"`
	Cursor  string                    `cbor:"cursor"`
}

// Send delivers a message to an inbox and returns the server-assigned
// message id. Sends are unauthenticated: announcements to shared
// inboxes carry no transport identity, and the cryptographic
// attestations inside the object are the only trust anchor.
func (c *Client) Send(ctx context.Context, inboxURL string, message *protocol.Message) (string, error) {
	body, err := codec.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("inbox: encoding message: %w", err)
	}
	responseBody, err := c.doRequest(ctx, http.MethodPut, inboxURL, "/send", nil, body, nil)
	if err != nil {
		return "", fmt.Errorf("inbox: send to %s: %w", inboxURL, err)
	}

	var response sendResponse
	if err := codec.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("inbox: decoding send response: %w", err)
	}
	if response.ID == "" {
		return "", protocol.NewError(protocol.KindProtocolViolation, "send response carries no message id")
	}
	return response.ID, nil
}

// Label sets a message's label. The wire write requires a token and is
// skipped without one; the cached copy is updated in either case, so
// later offline validation of the same message skips work.
func (c *Client) Label(ctx context.Context, inboxURL, messageID string, label protocol.Label, token *secret.Buffer) error {
	var wireErr error
	if token != nil {
		body, err := codec.Marshal(labelRequest{Label: label})
		if err != nil {
			return fmt.Errorf("inbox: encoding label request: %w", err)
		}
		_, wireErr = c.doRequest(ctx, http.MethodPut, inboxURL, "/label/"+url.PathEscape(messageID), token, body, nil)
		if wireErr != nil {
			wireErr = fmt.Errorf("inbox: labeling %s at %s: %w", messageID, inboxURL, wireErr)
		}
	}

	key := cache.MessageKey(inboxURL, messageID)
	cached, ok, err := c.store.GetMessage(ctx, key)
	if err != nil {
		c.logger.Warn("label cache read failed", "inbox", inboxURL, "message_id", messageID, "error", err)
	} else if ok {
		cached.Label = label
		if err := c.store.PutMessage(ctx, key, cached); err != nil {
			c.logger.Warn("label cache write failed", "inbox", inboxURL, "message_id", messageID, "error", err)
		}
	}
	return wireErr
}

// Get fetches one labeled message, serving from the cache when
// possible.
func (c *Client) Get(ctx context.Context, inboxURL, messageID string, token *secret.Buffer) (*protocol.LabeledMessage, error) {
	key := cache.MessageKey(inboxURL, messageID)
	cached, ok, err := c.store.GetMessage(ctx, key)
	if err != nil {
		c.logger.Warn("message cache read failed", "inbox", inboxURL, "message_id", messageID, "error", err)
	} else if ok {
		return cached, nil
	}

	responseBody, err := c.doRequest(ctx, http.MethodGet, inboxURL, "/message/"+url.PathEscape(messageID), token, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox: fetching message %s from %s: %w", messageID, inboxURL, err)
	}

	var message protocol.LabeledMessage
	if err := codec.Unmarshal(responseBody, &message); err != nil {
		return nil, fmt.Errorf("inbox: decoding message %s: %w", messageID, err)
	}
	if err := c.store.PutMessage(ctx, key, &message); err != nil {
		c.logger.Warn("message cache write failed", "inbox", inboxURL, "message_id", messageID, "error", err)
	}
	return &message, nil
}

// AuthEndpoint returns the authorization endpoint advertised by an
// inbox (GET /auth, plain text).
func (c *Client) AuthEndpoint(ctx context.Context, inboxURL string) (string, error) {
	responseBody, err := c.doRequest(ctx, http.MethodGet, inboxURL, "/auth", nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("inbox: reading auth endpoint of %s: %w", inboxURL, err)
	}
	endpoint := strings.TrimSpace(string(responseBody))
	if endpoint == "" {
		return "", protocol.NewError(protocol.KindProtocolViolation, "empty auth endpoint from %s", inboxURL)
	}
	return endpoint, nil
}

// doRequest performs one HTTP request against an inbox endpoint. On
// 2xx it returns the response body; on an error status it returns the
// mapped protocol error with the endpoint as origin. doRequestResponse
// also returns the raw response so stream code can read Retry-After.
func (c *Client) doRequest(ctx context.Context, method, endpoint, path string, token *secret.Buffer, body []byte, query url.Values) ([]byte, error) {
	responseBody, _, err := c.doRequestResponse(ctx, method, endpoint, path, token, body, query)
	return responseBody, err
}

func (c *Client) doRequestResponse(ctx context.Context, method, endpoint, path string, token *secret.Buffer, body []byte, query url.Values) ([]byte, *http.Response, error) {
	requestURL := strings.TrimRight(endpoint, "/") + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/cbor")
	}
	if token != nil {
		request.Header.Set("Authorization", "Bearer "+token.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s %s: %w", method, requestURL, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, response, fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, response, nil
	}

	protocolErr := protocol.ErrorFromStatus(response.StatusCode, strings.TrimSpace(string(responseBody)))
	protocolErr.Origin = endpoint
	return nil, response, protocolErr
}
