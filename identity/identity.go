// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the read-only identity resolution surface
// the protocol layer consumes. Resolution itself (did:web, did:plc,
// handle mapping) is an external collaborator; the protocol layer only
// looks up service endpoints in resolved documents.
package identity

import (
	"context"
	"sync"

	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// Service types advertised in identity documents.
const (
	ServicePersonalInbox = "GraffitiPersonalInbox"
	ServiceStorageBucket = "GraffitiStorageBucket"
	ServiceSharedInbox   = "GraffitiSharedInbox"
)

// Service is one service entry in an identity document.
type Service struct {
	ID       string
	Type     string
	Endpoint string
}

// Document is a resolved identity: the actor's service endpoints and
// equivalent identifiers.
type Document struct {
	ID          string
	Services    []Service
	AlsoKnownAs []string
}

// Resolver resolves an actor id to its identity document.
type Resolver interface {
	Resolve(ctx context.Context, actor string) (*Document, error)
}

// ServiceEndpoint returns the endpoint of the first service of the
// given type, or NotFound.
func (d *Document) ServiceEndpoint(serviceType string) (string, error) {
	for _, service := range d.Services {
		if service.Type == serviceType {
			return service.Endpoint, nil
		}
	}
	return "", protocol.NewError(protocol.KindNotFound,
		"actor %s advertises no %s service", d.ID, serviceType)
}

// PersonalInbox returns the actor's personal inbox endpoint.
func (d *Document) PersonalInbox() (string, error) {
	return d.ServiceEndpoint(ServicePersonalInbox)
}

// StorageBucket returns the actor's storage bucket endpoint.
func (d *Document) StorageBucket() (string, error) {
	return d.ServiceEndpoint(ServiceStorageBucket)
}

// StaticResolver is an in-memory Resolver for tests and fixed
// deployments. Safe for concurrent use.
type StaticResolver struct {
	mu        sync.RWMutex
	documents map[string]*Document
}

// NewStaticResolver returns an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{documents: make(map[string]*Document)}
}

// Add registers a document under its ID.
func (r *StaticResolver) Add(document *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[document.ID] = document
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, actor string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	document, ok := r.documents[actor]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "actor %s does not resolve", actor)
	}
	return document, nil
}
