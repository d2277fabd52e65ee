// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"sync"

	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Memory is the in-memory Store. It is the default when no cache path
// is configured, and the backend tests run against. Safe for
// concurrent use.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]protocol.LabeledMessage
	queries  map[string]QueryState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]protocol.LabeledMessage),
		queries:  make(map[string]QueryState),
	}
}

func (m *Memory) GetMessage(_ context.Context, key string) (*protocol.LabeledMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	message, ok := m.messages[key]
	if !ok {
		return nil, false, nil
	}
	copied := message
	return &copied, true, nil
}

func (m *Memory) PutMessage(_ context.Context, key string, message *protocol.LabeledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[key] = *message
	return nil
}

func (m *Memory) GetQuery(_ context.Context, key string) (*QueryState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.queries[key]
	if !ok {
		return nil, false, nil
	}
	copied := state
	copied.MessageIDs = append([]string(nil), state.MessageIDs...)
	return &copied, true, nil
}

func (m *Memory) PutQuery(_ context.Context, key string, state *QueryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	copied.MessageIDs = append([]string(nil), state.MessageIDs...)
	m.queries[key] = copied
	return nil
}

func (m *Memory) DeleteQuery(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queries, key)
	return nil
}

func (m *Memory) Close() error { return nil }
