// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

func TestMemoryMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	key := MessageKey("https://inbox.example", "m1")
	message := &protocol.LabeledMessage{
		ID:    "m1",
		Label: protocol.LabelValid,
		Message: protocol.Message{
			Tags:     [][]byte{[]byte("tag")},
			Object:   protocol.Object{URL: "graffiti:a:b", Actor: "did:web:a.test"},
			Metadata: []byte{0xa0},
		},
	}
	if err := store.PutMessage(ctx, key, message); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	got, ok, err := store.GetMessage(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetMessage: ok=%v err=%v", ok, err)
	}
	if got.ID != "m1" || got.Label != protocol.LabelValid {
		t.Errorf("got %+v", got)
	}

	if _, ok, _ := store.GetMessage(ctx, MessageKey("https://inbox.example", "m2")); ok {
		t.Error("absent key reported present")
	}
}

func TestMemoryQueryStateIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	state := &QueryState{Cursor: "c0", Version: "v0", MessageIDs: []string{"m1"}}
	if err := store.PutQuery(ctx, "q", state); err != nil {
		t.Fatalf("PutQuery: %v", err)
	}

	// Mutating the caller's slice must not leak into the store.
	state.MessageIDs[0] = "mutated"

	got, ok, err := store.GetQuery(ctx, "q")
	if err != nil || !ok {
		t.Fatalf("GetQuery: ok=%v err=%v", ok, err)
	}
	if got.MessageIDs[0] != "m1" {
		t.Errorf("stored state shares memory with caller: %v", got.MessageIDs)
	}

	if err := store.DeleteQuery(ctx, "q"); err != nil {
		t.Fatalf("DeleteQuery: %v", err)
	}
	if _, ok, _ := store.GetQuery(ctx, "q"); ok {
		t.Error("deleted query still present")
	}
}

func TestMessageKeyUnambiguous(t *testing.T) {
	// The colon separator cannot appear inside the encoded halves, so
	// shifted boundaries produce distinct keys.
	a := MessageKey("https://inbox.example/a", "b")
	b := MessageKey("https://inbox.example/", "ab")
	if a == b {
		t.Error("different (url, id) pairs share a key")
	}
	if !strings.Contains(a, ":") {
		t.Errorf("key %q has no separator", a)
	}
}

func TestLockMapMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locks := NewLockMap()

	var holders atomic.Int32
	var maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "key")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			current := holders.Add(1)
			if current > maxHolders.Load() {
				maxHolders.Store(current)
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxHolders.Load() != 1 {
		t.Errorf("lock held by %d goroutines at once", maxHolders.Load())
	}
}

func TestLockMapIndependentKeys(t *testing.T) {
	ctx := context.Background()
	locks := NewLockMap()

	unlockA, err := locks.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	defer unlockA()

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		unlockB, err := locks.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}

func TestLockMapContextCancellation(t *testing.T) {
	locks := NewLockMap()
	unlock, err := locks.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "key"); err == nil {
		t.Error("Lock succeeded while held and context expired")
	}
}

func TestLockMapUnlockIdempotent(t *testing.T) {
	locks := NewLockMap()
	unlock, err := locks.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	unlock() // second call must not panic or corrupt the map

	again, err := locks.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("re-Lock: %v", err)
	}
	again()
}
