// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/graffiti-garden/implementation-decentralized/announce"
	"github.com/graffiti-garden/implementation-decentralized/bucket"
	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/identity"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
	"github.com/graffiti-garden/implementation-decentralized/lib/netutil"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// fakeInbox is an in-memory inbox service with tag-filtered paged
// queries. Query cursors are self-describing: an absolute log
// position plus the encoded tag filter, so continuation pages need no
// server-side session state.
type fakeInbox struct {
	mu        sync.Mutex
	messages  []protocol.LabeledMessage
	nextID    int
	pageSize  int
	expireAll bool
	server    *httptest.Server
}

func newFakeInbox(t *testing.T) *fakeInbox {
	t.Helper()
	fake := &fakeInbox{pageSize: 10}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeInbox) url() string { return f.server.URL }

func (f *fakeInbox) messageByID(id string) *protocol.LabeledMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == id {
			copied := f.messages[i]
			return &copied
		}
	}
	return nil
}

func (f *fakeInbox) all() []protocol.LabeledMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.LabeledMessage{}, f.messages...)
}

type fakeCursor struct {
	Index int      `cbor:"index"`
	Tags  [][]byte `cbor:"tags"`
}

func (f *fakeInbox) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/send":
		f.handleSend(w, r)
	case r.URL.Path == "/query":
		f.handleQuery(w, r)
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
	response, _ := codec.Marshal(map[string]any{"id": id})
	w.Write(response)
}

func (f *fakeInbox) handleQuery(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var position fakeCursor
	if cursorParam := r.URL.Query().Get("cursor"); cursorParam != "" {
		if f.expireAll {
			w.WriteHeader(http.StatusGone)
			return
		}
		raw, err := bytestring.Decode(cursorParam)
		if err != nil || codec.Unmarshal(raw, &position) != nil {
			w.WriteHeader(http.StatusGone)
			return
		}
	} else {
		body, _ := netutil.ReadResponse(r.Body)
		var request struct {
			Tags [][]byte `cbor:"tags"`
		}
		if err := codec.Unmarshal(body, &request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		position.Tags = request.Tags
	}

	wanted := make(map[string]bool, len(position.Tags))
	for _, tag := range position.Tags {
		wanted[string(tag)] = true
	}

	var results []protocol.LabeledMessage
	index := position.Index
	for index < len(f.messages) && len(results) < f.pageSize {
		message := f.messages[index]
		index++
		for _, tag := range message.Message.Tags {
			if wanted[string(tag)] {
				results = append(results, message)
				break
			}
		}
	}

	cursorBytes, _ := codec.Marshal(fakeCursor{Index: index, Tags: position.Tags})
	page := map[string]any{
		"results": results,
		"hasMore": index < len(f.messages),
		"cursor":  bytestring.Encode(cursorBytes),
	}
	body, _ := codec.Marshal(page)
	w.Write(body)
}

func (f *fakeInbox) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/message/")
	message := f.messageByID(id)
	if message == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := codec.Marshal(message)
	w.Write(body)
}

func (f *fakeInbox) handleLabel(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/label/")
	body, _ := netutil.ReadResponse(r.Body)
	var request struct {
		Label protocol.Label `cbor:"l"`
	}
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

// fakeBucket is an in-memory bucket service.
type fakeBucket struct {
	mu     sync.Mutex
	values map[string][]byte
	server *httptest.Server
}

func newFakeBucket(t *testing.T) *fakeBucket {
	t.Helper()
	fake := &fakeBucket{values: map[string][]byte{}}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeBucket) url() string { return f.server.URL }

func (f *fakeBucket) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/value/") {
		http.NotFound(w, r)
		return
	}
	key, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/value/"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := netutil.ReadResponse(r.Body)
		f.values[key] = body
	case http.MethodDelete:
		delete(f.values, key)
	case http.MethodGet:
		value, ok := f.values[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(value)))
		w.Write(value)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// env is a two-actor world: actor A with a bucket, personal inbox,
// and one shared inbox; actor B with their own personal inbox.
type env struct {
	resolver *identity.StaticResolver

	inboxA  *fakeInbox
	inboxB  *fakeInbox
	shared  *fakeInbox
	bucketA *fakeBucket

	actorA string
	actorB string

	sessionA *protocol.Session
	sessionB *protocol.Session

	engine *announce.Engine
	client *Client
}

func token(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		inboxA:  newFakeInbox(t),
		inboxB:  newFakeInbox(t),
		shared:  newFakeInbox(t),
		bucketA: newFakeBucket(t),
		actorA:  "did:web:a.test",
		actorB:  "did:web:b.test",
	}

	e.resolver = identity.NewStaticResolver()
	e.resolver.Add(&identity.Document{
		ID: e.actorA,
		Services: []identity.Service{
			{ID: "#inbox", Type: identity.ServicePersonalInbox, Endpoint: e.inboxA.url()},
			{ID: "#bucket", Type: identity.ServiceStorageBucket, Endpoint: e.bucketA.url()},
		},
	})
	e.resolver.Add(&identity.Document{
		ID: e.actorB,
		Services: []identity.Service{
			{ID: "#inbox", Type: identity.ServicePersonalInbox, Endpoint: e.inboxB.url()},
		},
	})

	e.sessionA = &protocol.Session{
		Actor:         e.actorA,
		StorageBucket: protocol.Endpoint{URL: e.bucketA.url(), Token: token(t, "bucket-a")},
		PersonalInbox: protocol.Endpoint{URL: e.inboxA.url(), Token: token(t, "inbox-a")},
		SharedInboxes: []protocol.Endpoint{{URL: e.shared.url()}},
	}
	e.sessionB = &protocol.Session{
		Actor:         e.actorB,
		PersonalInbox: protocol.Endpoint{URL: e.inboxB.url(), Token: token(t, "inbox-b")},
	}

	inboxClient := inbox.NewClient(inbox.ClientConfig{})
	bucketClient := bucket.NewClient(bucket.ClientConfig{})

	engine, err := announce.NewEngine(announce.Config{
		Inbox:    inboxClient,
		Bucket:   bucketClient,
		Resolver: e.resolver,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.engine = engine

	client, err := NewClient(Config{
		Inbox:                 inboxClient,
		Bucket:                bucketClient,
		Engine:                engine,
		Resolver:              e.resolver,
		DefaultInboxEndpoints: []string{e.shared.url()},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	e.client = client
	return e
}

// freshClient returns a discovery client sharing the env's services
// but with its own (empty) inbox cache, standing in for a different
// reader process.
func (e *env) freshClient(t *testing.T) *Client {
	t.Helper()
	inboxClient := inbox.NewClient(inbox.ClientConfig{})
	bucketClient := bucket.NewClient(bucket.ClientConfig{})
	engine, err := announce.NewEngine(announce.Config{
		Inbox:    inboxClient,
		Bucket:   bucketClient,
		Resolver: e.resolver,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	client, err := NewClient(Config{
		Inbox:                 inboxClient,
		Bucket:                bucketClient,
		Engine:                engine,
		Resolver:              e.resolver,
		DefaultInboxEndpoints: []string{e.shared.url()},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}
