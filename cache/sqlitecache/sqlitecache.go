// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitecache is the persistent cache backend: a SQLite
// database with the two stores the protocol persists across restarts —
// `m` (labeled messages) and `q` (per-query cursor state).
//
// Message bodies are CBOR and compress well, so they are stored
// zstd-compressed. Each row carries a compression tag, so rows written
// uncompressed (small bodies where zstd would not help) stay readable.
package sqlitecache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/graffiti-garden/implementation-decentralized/cache"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/sqlitepool"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Compression tags stored per row.
const (
	compressionNone uint8 = 0
	compressionZstd uint8 = 1
)

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var decoder, _ = zstd.NewReader(nil)

// Store is the SQLite cache backend.
type Store struct {
	pool *sqlitepool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS m (
	key         TEXT PRIMARY KEY,
	body        BLOB NOT NULL,
	compression INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS q (
	key         TEXT PRIMARY KEY,
	cursor      TEXT NOT NULL,
	version     TEXT NOT NULL,
	wait_til    INTEGER NOT NULL,
	message_ids BLOB NOT NULL
);
`

// Open opens (and if necessary creates) the cache database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) GetMessage(ctx context.Context, key string) (*protocol.LabeledMessage, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var body []byte
	var compression uint8
	found := false
	err = sqlitex.Execute(conn, "SELECT body, compression FROM m WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			body = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, body)
			compression = uint8(stmt.ColumnInt64(1))
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading message %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	decoded, err := decompress(body, compression)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: message %s: %w", key, err)
	}
	var message protocol.LabeledMessage
	if err := codec.Unmarshal(decoded, &message); err != nil {
		return nil, false, fmt.Errorf("sqlitecache: decoding message %s: %w", key, err)
	}
	return &message, true, nil
}

func (s *Store) PutMessage(ctx context.Context, key string, message *protocol.LabeledMessage) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("sqlitecache: encoding message %s: %w", key, err)
	}
	stored, compression := compress(body)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO m (key, body, compression) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET body = excluded.body, compression = excluded.compression",
		&sqlitex.ExecOptions{Args: []any{key, stored, int64(compression)}})
	if err != nil {
		return fmt.Errorf("sqlitecache: writing message %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetQuery(ctx context.Context, key string) (*cache.QueryState, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var state cache.QueryState
	var messageIDs []byte
	var waitTil int64
	found := false
	err = sqlitex.Execute(conn,
		"SELECT cursor, version, wait_til, message_ids FROM q WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				state.Cursor = stmt.ColumnText(0)
				state.Version = stmt.ColumnText(1)
				waitTil = stmt.ColumnInt64(2)
				messageIDs = make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, messageIDs)
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: reading query %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	if err := codec.Unmarshal(messageIDs, &state.MessageIDs); err != nil {
		return nil, false, fmt.Errorf("sqlitecache: decoding query %s message ids: %w", key, err)
	}
	if waitTil != 0 {
		state.WaitTil = time.UnixMilli(waitTil)
	}
	return &state, true, nil
}

func (s *Store) PutQuery(ctx context.Context, key string, state *cache.QueryState) error {
	messageIDs := state.MessageIDs
	if messageIDs == nil {
		messageIDs = []string{}
	}
	encodedIDs, err := codec.Marshal(messageIDs)
	if err != nil {
		return fmt.Errorf("sqlitecache: encoding query %s message ids: %w", key, err)
	}
	var waitTil int64
	if !state.WaitTil.IsZero() {
		waitTil = state.WaitTil.UnixMilli()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO q (key, cursor, version, wait_til, message_ids) VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO UPDATE SET cursor = excluded.cursor, version = excluded.version, wait_til = excluded.wait_til, message_ids = excluded.message_ids",
		&sqlitex.ExecOptions{Args: []any{key, state.Cursor, state.Version, waitTil, encodedIDs}})
	if err != nil {
		return fmt.Errorf("sqlitecache: writing query %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteQuery(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM q WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("sqlitecache: deleting query %s: %w", key, err)
	}
	return nil
}

// compress returns body zstd-compressed when that shrinks it, or
// verbatim with the none tag otherwise.
func compress(body []byte) ([]byte, uint8) {
	compressed := encoder.EncodeAll(body, nil)
	if len(compressed) < len(body) {
		return compressed, compressionZstd
	}
	return body, compressionNone
}

func decompress(body []byte, compression uint8) ([]byte, error) {
	switch compression {
	case compressionNone:
		return body, nil
	case compressionZstd:
		decoded, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", compression)
	}
}

// Interface check.
var _ cache.Store = (*Store)(nil)
