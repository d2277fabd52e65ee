// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graffiti-garden/implementation-decentralized/cache"
	"github.com/graffiti-garden/implementation-decentralized/lib/clock"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/netutil"
	"github.com/graffiti-garden/implementation-decentralized/lib/testutil"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// fakeInbox is an in-memory inbox service good enough to drive the
// client: append-only messages, numeric page cursors, label storage.
type fakeInbox struct {
	mu         sync.Mutex
	messages   []protocol.LabeledMessage
	pageSize   int
	nextID     int
	expireAll  bool
	retryAfter string
	pageCount  atomic.Int32
	server     *httptest.Server
}

func newFakeInbox(t *testing.T, pageSize int) *fakeInbox {
	t.Helper()
	inbox := &fakeInbox{pageSize: pageSize}
	inbox.server = httptest.NewServer(http.HandlerFunc(inbox.handle))
	t.Cleanup(inbox.server.Close)
	return inbox
}

func (f *fakeInbox) url() string { return f.server.URL }

func (f *fakeInbox) add(t *testing.T, message protocol.Message, label protocol.Label) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.messages = append(f.messages, protocol.LabeledMessage{ID: id, Message: message, Label: label})
	return id
}

func (f *fakeInbox) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/query" || r.URL.Path == "/export":
		f.handlePage(w, r)
	case r.URL.Path == "/send":
		f.handleSend(w, r)
	case strings.HasPrefix(r.URL.Path, "/message/"):
		f.handleGet(w, r)
	case strings.HasPrefix(r.URL.Path, "/label/"):
		f.handleLabel(w, r)
	case r.URL.Path == "/auth":
		fmt.Fprint(w, "https://auth.example")
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInbox) handlePage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCount.Add(1)

	start := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		if f.expireAll {
			// The server has forgotten every cursor issued so far;
			// cursors it issues from now on are valid again.
			f.expireAll = false
			w.WriteHeader(http.StatusGone)
			return
		}
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			w.WriteHeader(http.StatusGone)
			return
		}
		start = parsed
	}

	end := min(len(f.messages), start+f.pageSize)
	page := pageResponse{
		Results: append([]protocol.LabeledMessage{}, f.messages[start:end]...),
		HasMore: end < len(f.messages),
		Cursor:  strconv.Itoa(end),
	}
	if f.retryAfter != "" {
		w.Header().Set("Retry-After", f.retryAfter)
	}
	body, _ := codec.Marshal(page)
	w.Write(body)
}

func (f *fakeInbox) handleSend(w http.ResponseWriter, r *http.Request) {
	body, _ := netutil.ReadResponse(r.Body)
	var message protocol.Message
	if err := codec.Unmarshal(body, &message); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.messages = append(f.messages, protocol.LabeledMessage{ID: id, Message: message})
	f.mu.Unlock()
	response, _ := codec.Marshal(sendResponse{ID: id})
	w.Write(response)
}

func (f *fakeInbox) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/message/")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages {
		if message.ID == id {
			body, _ := codec.Marshal(message)
			w.Write(body)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *fakeInbox) handleLabel(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/label/")
	body, _ := netutil.ReadResponse(r.Body)
	var request labelRequest
	if err := codec.Unmarshal(body, &request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == id {
			f.messages[i].Label = request.Label
			w.Write([]byte{0xa0})
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func testMessage(text string) protocol.Message {
	return protocol.Message{
		Tags: [][]byte{[]byte("tag")},
		Object: protocol.Object{
			URL:      "graffiti:a:u" + text,
			Actor:    "did:web:a.test",
			Value:    map[string]any{"m": text},
			Channels: []string{},
		},
		Metadata: []byte{0xa1, 0x61, 0x6b, 0x61, 0x78},
	}
}

func drain(t *testing.T, ctx context.Context, stream *Stream) []string {
	t.Helper()
	var ids []string
	for {
		message, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if message == nil {
			return ids
		}
		ids = append(ids, message.ID)
	}
}

func TestSendAndGet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 10)
	client := NewClient(ClientConfig{})

	id, err := client.Send(ctx, fake.url(), &protocol.Message{
		Tags:     [][]byte{[]byte("t")},
		Object:   protocol.Object{URL: "graffiti:a:b", Actor: "did:web:a.test", Channels: []string{}},
		Metadata: []byte{0xa0},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("empty message id")
	}

	message, err := client.Get(ctx, fake.url(), id, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if message.ID != id {
		t.Errorf("got id %q", message.ID)
	}

	// Second Get must come from the cache even if the server forgets.
	fake.mu.Lock()
	fake.messages = nil
	fake.mu.Unlock()
	if _, err := client.Get(ctx, fake.url(), id, nil); err != nil {
		t.Errorf("cached Get failed: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	fake := newFakeInbox(t, 10)
	client := NewClient(ClientConfig{})
	_, err := client.Get(context.Background(), fake.url(), "nope", nil)
	if !protocol.IsKind(err, protocol.KindNotFound) {
		t.Errorf("missing message gave %v", err)
	}
}

func TestLabelUpdatesCacheWithoutToken(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 10)
	client := NewClient(ClientConfig{})

	id := fake.add(t, testMessage("hi"), protocol.LabelUnlabeled)
	if _, err := client.Get(ctx, fake.url(), id, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// No token: the wire is not touched, only the cache.
	if err := client.Label(ctx, fake.url(), id, protocol.LabelValid, nil); err != nil {
		t.Fatalf("Label: %v", err)
	}
	fake.mu.Lock()
	serverLabel := fake.messages[0].Label
	fake.mu.Unlock()
	if serverLabel != protocol.LabelUnlabeled {
		t.Error("tokenless Label hit the wire")
	}

	cached, err := client.Get(ctx, fake.url(), id, nil)
	if err != nil || cached.Label != protocol.LabelValid {
		t.Errorf("cached label = %v, err %v", cached.Label, err)
	}
}

func TestQueryPagesAndOrder(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	client := NewClient(ClientConfig{})

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, fake.add(t, testMessage(fmt.Sprintf("m%d", i)), protocol.LabelUnlabeled))
	}

	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := drain(t, ctx, stream)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCursorResumeNoDuplicates(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	client := NewClient(ClientConfig{})

	for i := 0; i < 4; i++ {
		fake.add(t, testMessage(fmt.Sprintf("m%d", i)), protocol.LabelUnlabeled)
	}

	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	first := drain(t, ctx, stream)
	cursor, err := stream.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	// New messages arrive after the cursor was taken.
	lateA := fake.add(t, testMessage("late-a"), protocol.LabelUnlabeled)
	lateB := fake.add(t, testMessage("late-b"), protocol.LabelUnlabeled)

	resumed, err := client.ContinueQuery(ctx, fake.url(), cursor, nil)
	if err != nil {
		t.Fatalf("ContinueQuery: %v", err)
	}
	second := drain(t, ctx, resumed)
	if len(second) != 2 || second[0] != lateA || second[1] != lateB {
		t.Errorf("resume yielded %v, want [%s %s]", second, lateA, lateB)
	}

	seen := map[string]bool{}
	for _, id := range append(first, second...) {
		if seen[id] {
			t.Errorf("message %s yielded twice", id)
		}
		seen[id] = true
	}
}

func TestContinueAfterCacheDiscardIsCursorExpired(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	store := cache.NewMemory()
	client := NewClient(ClientConfig{Store: store})

	fake.add(t, testMessage("m"), protocol.LabelUnlabeled)
	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	drain(t, ctx, stream)
	cursor, err := stream.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	// Simulate another process discarding the query cache.
	resumed, err := client.ContinueQuery(ctx, fake.url(), cursor, nil)
	if err != nil {
		t.Fatalf("ContinueQuery: %v", err)
	}
	if err := discardAllQueries(ctx, store, resumed.cacheKey); err != nil {
		t.Fatalf("discarding: %v", err)
	}
	_, err = resumed.Next(ctx)
	if !protocol.IsKind(err, protocol.KindCursorExpired) {
		t.Errorf("Next after discard gave %v, want cursor expired", err)
	}
}

func discardAllQueries(ctx context.Context, store cache.Store, key string) error {
	return store.DeleteQuery(ctx, key)
}

func TestServerCursorExpiryOnContinuation(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	client := NewClient(ClientConfig{})

	for i := 0; i < 3; i++ {
		fake.add(t, testMessage(fmt.Sprintf("m%d", i)), protocol.LabelUnlabeled)
	}
	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	drain(t, ctx, stream)
	cursor, err := stream.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	fake.mu.Lock()
	fake.expireAll = true
	fake.mu.Unlock()

	resumed, err := client.ContinueQuery(ctx, fake.url(), cursor, nil)
	if err != nil {
		t.Fatalf("ContinueQuery: %v", err)
	}
	_, err = resumed.Next(ctx)
	if !protocol.IsKind(err, protocol.KindCursorExpired) {
		t.Errorf("continuation against expired server cursor gave %v", err)
	}
}

func TestServerCursorExpiryOnFreshQueryRestarts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	store := cache.NewMemory()
	client := NewClient(ClientConfig{Store: store})

	for i := 0; i < 3; i++ {
		fake.add(t, testMessage(fmt.Sprintf("m%d", i)), protocol.LabelUnlabeled)
	}
	// Run a first stream so the cache holds a server cursor.
	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	drain(t, ctx, stream)

	// The server forgets its cursors; a fresh query must restart
	// silently and still produce everything.
	fake.mu.Lock()
	fake.expireAll = true
	fake.mu.Unlock()

	fresh, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := drain(t, ctx, fresh)
	if len(got) != 3 {
		t.Errorf("restarted query yielded %d messages, want 3", len(got))
	}
}

func TestSingleWriterPerQuery(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	store := cache.NewMemory()
	locks := cache.NewLockMap()

	for i := 0; i < 6; i++ {
		fake.add(t, testMessage(fmt.Sprintf("m%d", i)), protocol.LabelUnlabeled)
	}

	var wg sync.WaitGroup
	results := make([][]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			client := NewClient(ClientConfig{Store: store, Locks: locks})
			stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
			if err != nil {
				errs[slot] = err
				return
			}
			for {
				message, err := stream.Next(ctx)
				if err != nil {
					errs[slot] = err
					return
				}
				if message == nil {
					return
				}
				results[slot] = append(results[slot], message.ID)
			}
		}(i)
	}
	wg.Wait()
	for slot, err := range errs {
		if err != nil {
			t.Fatalf("reader %d: %v", slot, err)
		}
	}

	for slot, ids := range results {
		if len(ids) != 6 {
			t.Errorf("reader %d saw %d messages, want 6", slot, len(ids))
		}
	}
	// 6 messages at page size 2 is 3 pages (the last with hasMore
	// false), fetched by whichever reader takes the lock first; the
	// other replays them from the cache and fetches one catch-up page,
	// 4 pages in all. Without the per-query lock, both readers would
	// fetch every page.
	pages := fake.pageCount.Load()
	if pages > 5 {
		t.Errorf("server served %d pages, want at most 5", pages)
	}
}

func TestRetryAfterHonoredAndPersisted(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 2)
	fakeClock := clock.Fake(time.Unix(10000, 0))
	store := cache.NewMemory()
	client := NewClient(ClientConfig{Store: store, Clock: fakeClock})

	fake.add(t, testMessage("m0"), protocol.LabelUnlabeled)
	fake.add(t, testMessage("m1"), protocol.LabelUnlabeled)
	fake.add(t, testMessage("m2"), protocol.LabelUnlabeled)
	fake.mu.Lock()
	fake.retryAfter = "2"
	fake.mu.Unlock()

	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, nil, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	// First page (two messages) comes through; its Retry-After gates
	// the second page.
	for i := 0; i < 2; i++ {
		message, err := stream.Next(ctx)
		if err != nil || message == nil {
			t.Fatalf("Next %d: %v %v", i, message, err)
		}
	}

	type nextResult struct {
		message *protocol.LabeledMessage
		err     error
	}
	resultCh := make(chan nextResult, 1)
	go func() {
		message, err := stream.Next(ctx)
		resultCh <- nextResult{message, err}
	}()

	// The stream must be parked on the clock, not fetching.
	deadline := time.Now().Add(2 * time.Second)
	for fakeClock.PendingWaiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case result := <-resultCh:
		t.Fatalf("page fetched before Retry-After elapsed: %+v", result)
	default:
	}

	fakeClock.Advance(2 * time.Second)
	result := testutil.RequireReceive(t, resultCh, 2*time.Second, "stream resuming after the wait elapsed")
	if result.err != nil || result.message == nil {
		t.Fatalf("Next after advance: %+v", result)
	}

	// The deadline was persisted alongside the cursor.
	state, ok, err := store.GetQuery(ctx, stream.cacheKey)
	if err != nil || !ok {
		t.Fatalf("GetQuery: ok=%v err=%v", ok, err)
	}
	if state.WaitTil.IsZero() {
		t.Error("waitTil not persisted")
	}
}

func TestQuerySchemaViolationSkipped(t *testing.T) {
	ctx := context.Background()
	fake := newFakeInbox(t, 10)
	store := cache.NewMemory()
	client := NewClient(ClientConfig{Store: store})

	matching := fake.add(t, testMessage("good"), protocol.LabelUnlabeled)
	// The fake server ignores the schema, standing in for a
	// misbehaving inbox.
	offSchema := fake.add(t, protocol.Message{
		Tags:     [][]byte{[]byte("tag")},
		Object:   protocol.Object{URL: "graffiti:a:x", Actor: "did:web:a.test", Value: map[string]any{"other": true}, Channels: []string{}},
		Metadata: []byte{0xa0},
	}, protocol.LabelUnlabeled)

	stream, err := client.Query(ctx, fake.url(), [][]byte{[]byte("tag")}, map[string]any{"m": "good"}, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := drain(t, ctx, stream)
	if len(got) != 1 || got[0] != matching {
		t.Errorf("got %v, want only %s", got, matching)
	}

	// The violating message was cached as invalid.
	cached, ok, err := store.GetMessage(ctx, cache.MessageKey(fake.url(), offSchema))
	if err != nil || !ok {
		t.Fatalf("GetMessage: ok=%v err=%v", ok, err)
	}
	if cached.Label != protocol.LabelInvalid {
		t.Errorf("violating message labeled %v", cached.Label)
	}
}

func TestExportRequiresToken(t *testing.T) {
	client := NewClient(ClientConfig{})
	if _, err := client.Export(context.Background(), "https://inbox.example", nil); !protocol.IsKind(err, protocol.KindUnauthorized) {
		t.Errorf("tokenless export gave %v", err)
	}
}

func TestAuthEndpoint(t *testing.T) {
	fake := newFakeInbox(t, 10)
	client := NewClient(ClientConfig{})
	endpoint, err := client.AuthEndpoint(context.Background(), fake.url())
	if err != nil || endpoint != "https://auth.example" {
		t.Errorf("AuthEndpoint = %q, %v", endpoint, err)
	}
}
