// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package graffiti assembles the protocol layer into one client: the
// inbox and bucket clients over a shared cache, the announcement
// engine, the discovery pipeline, and the session manager, wired from
// a single configuration.
//
// The top-level flows live here: Post encodes an object, stores its
// envelope in the actor's bucket, and announces it; Get, Delete, and
// Discover delegate to the discovery pipeline. Login and Logout are
// methods of the session manager in the Sessions field, which is set
// only when an Authenticator is configured.
package graffiti

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/graffiti-garden/implementation-decentralized/announce"
	"github.com/graffiti-garden/implementation-decentralized/bucket"
	"github.com/graffiti-garden/implementation-decentralized/cache"
	"github.com/graffiti-garden/implementation-decentralized/cache/sqlitecache"
	"github.com/graffiti-garden/implementation-decentralized/discover"
	"github.com/graffiti-garden/implementation-decentralized/identity"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/lib/clock"
	"github.com/graffiti-garden/implementation-decentralized/lib/config"
	"github.com/graffiti-garden/implementation-decentralized/lib/sealed"
	"github.com/graffiti-garden/implementation-decentralized/object"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
	"github.com/graffiti-garden/implementation-decentralized/session"
)

// Options configures New. Resolver and Authenticator are the two
// external collaborators the protocol layer consumes; everything else
// is optional.
type Options struct {
	// Config is the process-wide configuration. Zero value: no
	// default inboxes, in-memory cache, no session persistence.
	Config config.Config

	// Resolver resolves actor ids to identity documents. Required.
	Resolver identity.Resolver

	// Authenticator runs the authorization flows. Required for
	// Login/Logout; reads and anonymous flows work without it.
	Authenticator session.Authenticator

	// SessionKeypair seals the persisted session store. Required when
	// Config.SessionStorePath is set.
	SessionKeypair *sealed.Keypair

	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock drives rate-limit waits. If nil, the real clock.
	Clock clock.Clock
}

// Client is the assembled protocol layer.
type Client struct {
	Inbox     *inbox.Client
	Bucket    *bucket.Client
	Engine    *announce.Engine
	Discovery *discover.Client
	Sessions  *session.Manager

	cacheStore cache.Store
	logger     *slog.Logger
}

// New wires a Client from options.
func New(options Options) (*Client, error) {
	if options.Resolver == nil {
		return nil, fmt.Errorf("graffiti: Resolver is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var store cache.Store
	if options.Config.CachePath != "" {
		sqliteStore, err := sqlitecache.Open(options.Config.CachePath, logger)
		if err != nil {
			return nil, fmt.Errorf("graffiti: opening cache: %w", err)
		}
		store = sqliteStore
	} else {
		store = cache.NewMemory()
	}

	inboxClient := inbox.NewClient(inbox.ClientConfig{
		HTTPClient: options.HTTPClient,
		Logger:     logger,
		Clock:      options.Clock,
		Store:      store,
	})
	bucketClient := bucket.NewClient(bucket.ClientConfig{
		HTTPClient: options.HTTPClient,
		Logger:     logger,
	})

	engine, err := announce.NewEngine(announce.Config{
		Inbox:    inboxClient,
		Bucket:   bucketClient,
		Resolver: options.Resolver,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	discovery, err := discover.NewClient(discover.Config{
		Inbox:                 inboxClient,
		Bucket:                bucketClient,
		Engine:                engine,
		Resolver:              options.Resolver,
		DefaultInboxEndpoints: options.Config.DefaultInboxEndpoints,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	client := &Client{
		Inbox:      inboxClient,
		Bucket:     bucketClient,
		Engine:     engine,
		Discovery:  discovery,
		cacheStore: store,
		logger:     logger,
	}

	if options.Authenticator != nil {
		var sessionStore session.Store
		if options.Config.SessionStorePath != "" {
			if options.SessionKeypair == nil {
				return nil, fmt.Errorf("graffiti: SessionKeypair is required with a session store path")
			}
			sessionStore, err = session.NewFileStore(options.Config.SessionStorePath, options.SessionKeypair)
			if err != nil {
				return nil, err
			}
		} else {
			sessionStore = session.NewMemoryStore()
		}
		manager, err := session.NewManager(session.Config{
			Resolver:      options.Resolver,
			Authenticator: options.Authenticator,
			Store:         sessionStore,
			Inbox:         inboxClient,
			Bucket:        bucketClient,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		client.Sessions = manager
	}
	return client, nil
}

// Close releases the cache backend.
func (c *Client) Close() error {
	return c.cacheStore.Close()
}

// Post encodes a value into an attested object, stores its envelope in
// the session's bucket, and announces it. allowed nil means public; a
// non-nil slice (including empty) means private to those actors.
func (c *Client) Post(ctx context.Context, value any, channels, allowed []string, s *protocol.Session) (*protocol.Object, error) {
	if s == nil {
		return nil, protocol.NewError(protocol.KindUnauthorized, "posting requires a session")
	}
	encoded, err := object.Encode(value, channels, allowed, s.Actor)
	if err != nil {
		return nil, err
	}
	result, err := c.Engine.Announce(ctx, encoded, s, nil)
	if err != nil {
		return nil, err
	}
	return &result.Object, nil
}

// Get fetches one object by URL; see discover.Client.Get.
func (c *Client) Get(ctx context.Context, objectURL string, schema any, s *protocol.Session) (*protocol.Object, error) {
	return c.Discovery.Get(ctx, objectURL, schema, s)
}

// Delete tombstones an object; see discover.Client.Delete.
func (c *Client) Delete(ctx context.Context, objectURL string, s *protocol.Session) error {
	return c.Discovery.Delete(ctx, objectURL, s)
}

// Discover opens a merged discovery stream; see
// discover.Client.Discover.
func (c *Client) Discover(ctx context.Context, channels []string, schema any, s *protocol.Session) (*discover.Stream, error) {
	return c.Discovery.Discover(ctx, channels, schema, s)
}

// ContinueDiscover resumes a discovery stream from a cursor.
func (c *Client) ContinueDiscover(ctx context.Context, cursor string, s *protocol.Session) (*discover.Stream, error) {
	return c.Discovery.ContinueDiscover(ctx, cursor, s)
}
