// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/sealed"
)

// StoredService is one authorized service endpoint.
type StoredService struct {
	Type     string `cbor:"type"`
	Endpoint string `cbor:"endpoint"`
}

// StoredGroup is one authorization group: the services sharing an
// authorization endpoint and the bearer token covering them.
type StoredGroup struct {
	AuthEndpoint string          `cbor:"authEndpoint"`
	Token        string          `cbor:"token"`
	Services     []StoredService `cbor:"services"`
}

// StoredSession is a completed login.
type StoredSession struct {
	Actor  string        `cbor:"actor"`
	Groups []StoredGroup `cbor:"groups"`
}

// GroupPlan is an authorization group that has not been authorized
// yet.
type GroupPlan struct {
	AuthEndpoint string          `cbor:"authEndpoint"`
	Services     []StoredService `cbor:"services"`
}

// InProgressLogin is a login interrupted between groups, resumed at
// startup.
type InProgressLogin struct {
	Actor   string        `cbor:"actor"`
	Done    []StoredGroup `cbor:"done"`
	Pending []GroupPlan   `cbor:"pending"`
}

// InProgressLogout is a logout interrupted between groups.
type InProgressLogout struct {
	Actor     string        `cbor:"actor"`
	Remaining []StoredGroup `cbor:"remaining"`
}

// State is everything the session manager persists: the logged-in
// sessions plus any in-flight login/logout flows.
type State struct {
	LoggedIn         []StoredSession    `cbor:"loggedIn"`
	LoginInProgress  []InProgressLogin  `cbor:"loginInProgress"`
	LogoutInProgress []InProgressLogout `cbor:"logoutInProgress"`
}

// Store persists session state. Implementations must tolerate
// concurrent calls from one process; cross-process locking is the
// caller's concern.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MemoryStore keeps state in memory; used in tests and for callers
// that opt out of persistence.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return &State{}, nil
	}
	copied, err := roundTrip(s.state)
	if err != nil {
		return nil, err
	}
	return copied, nil
}

func (s *MemoryStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied, err := roundTrip(state)
	if err != nil {
		return err
	}
	s.state = copied
	return nil
}

func roundTrip(state *State) (*State, error) {
	encoded, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("session: encoding state: %w", err)
	}
	var copied State
	if err := codec.Unmarshal(encoded, &copied); err != nil {
		return nil, fmt.Errorf("session: decoding state: %w", err)
	}
	return &copied, nil
}

// FileStore persists state to a single file, age-sealed so bearer
// tokens never reach disk in plaintext.
type FileStore struct {
	mu      sync.Mutex
	path    string
	keypair *sealed.Keypair
}

// NewFileStore creates a store at path sealed to the given keypair.
// The keypair is borrowed for the store's lifetime, not closed.
func NewFileStore(path string, keypair *sealed.Keypair) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session: store path is required")
	}
	if keypair == nil || keypair.PrivateKey == nil {
		return nil, fmt.Errorf("session: store keypair is required")
	}
	return &FileStore{path: path, keypair: keypair}, nil
}

func (s *FileStore) Load(context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ciphertext, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("session: reading store: %w", err)
	}

	plaintext, err := sealed.Unseal(ciphertext, s.keypair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("session: unsealing store: %w", err)
	}
	defer plaintext.Close()

	var state State
	if err := codec.Unmarshal(plaintext.Bytes(), &state); err != nil {
		return nil, fmt.Errorf("session: decoding store: %w", err)
	}
	return &state, nil
}

func (s *FileStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: encoding store: %w", err)
	}
	ciphertext, err := sealed.Seal(plaintext, s.keypair.PublicKey)
	if err != nil {
		return fmt.Errorf("session: sealing store: %w", err)
	}

	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, ciphertext, 0o600); err != nil {
		return fmt.Errorf("session: writing store: %w", err)
	}
	if err := os.Rename(temp, s.path); err != nil {
		return fmt.Errorf("session: replacing store: %w", err)
	}
	return nil
}
