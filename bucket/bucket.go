// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package bucket is the client for Graffiti storage buckets: a
// key/opaque-bytes store owned by one actor. Writes and deletes are
// authenticated; reads are open, since bucket values are
// content-addressed envelopes whose integrity the object layer checks.
package bucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/graffiti-garden/implementation-decentralized/lib/netutil"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client talks to storage bucket services. One Client serves any
// number of endpoints.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a bucket client.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// Put stores bytes under a key. Requires a token.
func (c *Client) Put(ctx context.Context, endpoint, key string, value []byte, token *secret.Buffer) error {
	response, err := c.do(ctx, http.MethodPut, endpoint, "/value/"+url.PathEscape(key), token, bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("bucket: put %s to %s: %w", key, endpoint, err)
	}
	defer response.Body.Close()
	if err := statusError(response, endpoint); err != nil {
		return fmt.Errorf("bucket: put %s to %s: %w", key, endpoint, err)
	}
	return nil
}

// Delete removes the value under a key. Requires a token.
func (c *Client) Delete(ctx context.Context, endpoint, key string, token *secret.Buffer) error {
	response, err := c.do(ctx, http.MethodDelete, endpoint, "/value/"+url.PathEscape(key), token, nil)
	if err != nil {
		return fmt.Errorf("bucket: delete %s from %s: %w", key, endpoint, err)
	}
	defer response.Body.Close()
	if err := statusError(response, endpoint); err != nil {
		return fmt.Errorf("bucket: delete %s from %s: %w", key, endpoint, err)
	}
	return nil
}

// Get fetches the value under a key, refusing to read more than
// maxBytes (zero means no caller limit; a body without a usable
// Content-Length is then still cut off at netutil.MaxResponseSize
// bytes). When the response carries a valid
// Content-Length the limit is enforced before any body bytes are
// read, and a body shorter than the declared length is rejected as
// truncated. Without a usable length the body is read incrementally
// and the limit enforced on the running total. No token is required.
func (c *Client) Get(ctx context.Context, endpoint, key string, maxBytes int64) ([]byte, error) {
	response, err := c.do(ctx, http.MethodGet, endpoint, "/value/"+url.PathEscape(key), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bucket: get %s from %s: %w", key, endpoint, err)
	}
	defer response.Body.Close()
	if err := statusError(response, endpoint); err != nil {
		return nil, fmt.Errorf("bucket: get %s from %s: %w", key, endpoint, err)
	}

	value, err := readBounded(response, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("bucket: get %s from %s: %w", key, endpoint, err)
	}
	return value, nil
}

func readBounded(response *http.Response, maxBytes int64) ([]byte, error) {
	length := response.ContentLength
	if length >= 0 {
		if maxBytes > 0 && length > maxBytes {
			return nil, protocol.NewError(protocol.KindTooLarge,
				"value is %d bytes, limit %d", length, maxBytes)
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(response.Body, value); err != nil {
			return nil, protocol.NewError(protocol.KindGeneric,
				"truncated body: got fewer than the declared %d bytes: %v", length, err)
		}
		// Anything past the declared length is a protocol violation.
		var extra [1]byte
		if n, _ := response.Body.Read(extra[:]); n > 0 {
			return nil, protocol.NewError(protocol.KindProtocolViolation,
				"body is longer than the declared %d bytes", length)
		}
		return value, nil
	}

	// No usable Content-Length: enforce the limit on the running
	// total.
	if maxBytes <= 0 {
		return io.ReadAll(io.LimitReader(response.Body, netutil.MaxResponseSize))
	}
	value, err := io.ReadAll(io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(value)) > maxBytes {
		return nil, protocol.NewError(protocol.KindTooLarge,
			"value exceeds the %d byte limit", maxBytes)
	}
	return value, nil
}

// exportPage is the wire shape of one export page.
type exportPage struct {
	Keys   []string `cbor:"keys"`
	Cursor string   `cbor:"cursor,omitempty"`
}

// Export lists every key in the bucket, following pagination to the
// end. Values are not included. Requires a token.
func (c *Client) Export(ctx context.Context, endpoint string, token *secret.Buffer) ([]string, error) {
	if token == nil {
		return nil, protocol.NewError(protocol.KindUnauthorized, "export requires a token")
	}

	var keys []string
	cursor := ""
	for {
		path := "/export"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		response, err := c.do(ctx, http.MethodGet, endpoint, path, token, nil)
		if err != nil {
			return nil, fmt.Errorf("bucket: export from %s: %w", endpoint, err)
		}
		err = statusError(response, endpoint)
		if err != nil {
			response.Body.Close()
			return nil, fmt.Errorf("bucket: export from %s: %w", endpoint, err)
		}

		var page exportPage
		err = netutil.DecodeResponse(response.Body, &page)
		response.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("bucket: export from %s: %w", endpoint, err)
		}
		keys = append(keys, page.Keys...)
		if page.Cursor == "" {
			return keys, nil
		}
		cursor = page.Cursor
	}
}

// AuthEndpoint returns the authorization endpoint advertised by a
// bucket (GET /auth, plain text).
func (c *Client) AuthEndpoint(ctx context.Context, endpoint string) (string, error) {
	response, err := c.do(ctx, http.MethodGet, endpoint, "/auth", nil, nil)
	if err != nil {
		return "", fmt.Errorf("bucket: reading auth endpoint of %s: %w", endpoint, err)
	}
	defer response.Body.Close()
	if err := statusError(response, endpoint); err != nil {
		return "", fmt.Errorf("bucket: reading auth endpoint of %s: %w", endpoint, err)
	}
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return "", fmt.Errorf("bucket: reading auth endpoint of %s: %w", endpoint, err)
	}
	authEndpoint := strings.TrimSpace(string(body))
	if authEndpoint == "" {
		return "", protocol.NewError(protocol.KindProtocolViolation, "empty auth endpoint from %s", endpoint)
	}
	return authEndpoint, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, token *secret.Buffer, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(endpoint, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/octet-stream")
	}
	if token != nil {
		request.Header.Set("Authorization", "Bearer "+token.String())
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return response, nil
}

func statusError(response *http.Response, endpoint string) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body := netutil.ErrorBody(response.Body)
	protocolErr := protocol.ErrorFromStatus(response.StatusCode, strings.TrimSpace(body))
	protocolErr.Origin = endpoint
	return protocolErr
}
