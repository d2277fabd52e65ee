// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package session acquires and persists the bearer tokens behind a
// login. Services from the actor's identity document are grouped by
// the authorization endpoint they advertise (GET /auth); the
// authorization flow — an external OAuth-like collaborator — runs once
// per group, and the resulting tokens are persisted in the sealed
// store so CLI restarts and page reloads resume where they left off.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graffiti-garden/implementation-decentralized/bucket"
	"github.com/graffiti-garden/implementation-decentralized/identity"
	"github.com/graffiti-garden/implementation-decentralized/inbox"
	"github.com/graffiti-garden/implementation-decentralized/lib/secret"
	"github.com/graffiti-garden/implementation-decentralized/protocol"
)

// groupTimeout bounds one authorization group's flow.
const groupTimeout = 5 * time.Minute

// Authenticator is the external authorization collaborator. Tokens
// are opaque to the session manager.
type Authenticator interface {
	// Authorize obtains a bearer token from authEndpoint covering the
	// given service endpoints for actor.
	Authorize(ctx context.Context, authEndpoint, actor string, serviceEndpoints []string) (string, error)

	// Revoke invalidates a previously issued token.
	Revoke(ctx context.Context, authEndpoint, actor, token string) error
}

// EventType enumerates login/logout progress events.
type EventType string

const (
	EventLoginStarted        EventType = "login_started"
	EventAuthGroupComplete   EventType = "auth_group_complete"
	EventLoginComplete       EventType = "login_complete"
	EventLogoutStarted       EventType = "logout_started"
	EventLogoutGroupComplete EventType = "logout_group_complete"
	EventLogoutComplete      EventType = "logout_complete"
)

// Event reports login/logout progress.
type Event struct {
	Type         EventType
	Actor        string
	AuthEndpoint string
}

// Config holds the collaborators of a Manager.
type Config struct {
	Resolver      identity.Resolver
	Authenticator Authenticator
	Store         Store
	Inbox         *inbox.Client
	Bucket        *bucket.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Manager runs the login/logout state machine:
//
//	logged_out -> logging_in -> logged_in -> logging_out -> logged_out
//
// Interrupted flows persist as in-progress records and resume via
// ResumeInProgress at startup. Concurrent logins for the same actor
// are rejected.
type Manager struct {
	resolver      identity.Resolver
	authenticator Authenticator
	store         Store
	inbox         *inbox.Client
	bucket        *bucket.Client
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]bool

	events chan Event
}

// NewManager creates a session manager.
func NewManager(config Config) (*Manager, error) {
	if config.Resolver == nil || config.Authenticator == nil || config.Store == nil ||
		config.Inbox == nil || config.Bucket == nil {
		return nil, fmt.Errorf("session: Resolver, Authenticator, Store, Inbox, and Bucket are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		resolver:      config.Resolver,
		authenticator: config.Authenticator,
		store:         config.Store,
		inbox:         config.Inbox,
		bucket:        config.Bucket,
		logger:        logger,
		active:        make(map[string]bool),
		events:        make(chan Event, 64),
	}, nil
}

// Events returns the progress event channel. Events are dropped when
// nothing is draining the channel.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(eventType EventType, actor, authEndpoint string) {
	select {
	case m.events <- Event{Type: eventType, Actor: actor, AuthEndpoint: authEndpoint}:
	default:
	}
}

// Login resolves the actor, groups its services by authorization
// endpoint, obtains one token per group, and persists the resulting
// session. Progress is persisted between groups so an interrupted
// login resumes at startup.
func (m *Manager) Login(ctx context.Context, actor string) (*protocol.Session, error) {
	if err := m.claim(actor); err != nil {
		return nil, err
	}
	defer m.release(actor)

	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if findSession(state, actor) != nil {
		return m.resolveStored(state, actor)
	}

	record := findLogin(state, actor)
	if record == nil {
		plans, err := m.planGroups(ctx, actor)
		if err != nil {
			return nil, err
		}
		state.LoginInProgress = append(state.LoginInProgress, InProgressLogin{Actor: actor, Pending: plans})
		record = &state.LoginInProgress[len(state.LoginInProgress)-1]
		if err := m.store.Save(ctx, state); err != nil {
			return nil, err
		}
		m.emit(EventLoginStarted, actor, "")
	}

	return m.runLogin(ctx, state, record)
}

// ResumeInProgress continues any persisted login or logout flows.
// Call once at startup.
func (m *Manager) ResumeInProgress(ctx context.Context) error {
	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	var firstError error
	for _, record := range state.LoginInProgress {
		if _, err := m.Login(ctx, record.Actor); err != nil && firstError == nil {
			firstError = fmt.Errorf("session: resuming login of %s: %w", record.Actor, err)
		}
	}
	for _, record := range state.LogoutInProgress {
		if err := m.Logout(ctx, record.Actor); err != nil && firstError == nil {
			firstError = fmt.Errorf("session: resuming logout of %s: %w", record.Actor, err)
		}
	}
	return firstError
}

func (m *Manager) runLogin(ctx context.Context, state *State, record *InProgressLogin) (*protocol.Session, error) {
	actor := record.Actor
	for len(record.Pending) > 0 {
		plan := record.Pending[0]

		endpoints := make([]string, 0, len(plan.Services))
		for _, service := range plan.Services {
			endpoints = append(endpoints, service.Endpoint)
		}

		groupCtx, cancel := context.WithTimeout(ctx, groupTimeout)
		token, err := m.authenticator.Authorize(groupCtx, plan.AuthEndpoint, actor, endpoints)
		cancel()
		if err != nil {
			// The in-progress record stays persisted for resumption.
			return nil, fmt.Errorf("session: authorizing group %s: %w", plan.AuthEndpoint, err)
		}

		record.Done = append(record.Done, StoredGroup{
			AuthEndpoint: plan.AuthEndpoint,
			Token:        token,
			Services:     plan.Services,
		})
		record.Pending = record.Pending[1:]
		if err := m.store.Save(ctx, state); err != nil {
			return nil, err
		}
		m.emit(EventAuthGroupComplete, actor, plan.AuthEndpoint)
	}

	stored := StoredSession{Actor: actor, Groups: record.Done}
	state.LoggedIn = append(state.LoggedIn, stored)
	removeLogin(state, actor)
	if err := m.store.Save(ctx, state); err != nil {
		return nil, err
	}
	m.emit(EventLoginComplete, actor, "")
	m.logger.Info("login complete", "actor", actor, "groups", len(stored.Groups))

	return m.resolveStored(state, actor)
}

// Logout revokes each group's token and removes the stored session.
func (m *Manager) Logout(ctx context.Context, actor string) error {
	if err := m.claim(actor); err != nil {
		return err
	}
	defer m.release(actor)

	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	record := findLogout(state, actor)
	if record == nil {
		stored := findSession(state, actor)
		if stored == nil {
			return protocol.NewError(protocol.KindNotFound, "no session for %s", actor)
		}
		state.LogoutInProgress = append(state.LogoutInProgress, InProgressLogout{
			Actor:     actor,
			Remaining: stored.Groups,
		})
		record = &state.LogoutInProgress[len(state.LogoutInProgress)-1]
		removeSession(state, actor)
		if err := m.store.Save(ctx, state); err != nil {
			return err
		}
		m.emit(EventLogoutStarted, actor, "")
	}

	for len(record.Remaining) > 0 {
		group := record.Remaining[0]
		groupCtx, cancel := context.WithTimeout(ctx, groupTimeout)
		err := m.authenticator.Revoke(groupCtx, group.AuthEndpoint, actor, group.Token)
		cancel()
		if err != nil {
			// Revocation is best-effort: log and move on, the token
			// is dropped locally either way.
			m.logger.Warn("token revocation failed",
				"actor", actor, "auth_endpoint", group.AuthEndpoint, "error", err)
		}
		record.Remaining = record.Remaining[1:]
		if err := m.store.Save(ctx, state); err != nil {
			return err
		}
		m.emit(EventLogoutGroupComplete, actor, group.AuthEndpoint)
	}

	removeLogout(state, actor)
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}
	m.emit(EventLogoutComplete, actor, "")
	m.logger.Info("logout complete", "actor", actor)
	return nil
}

// Sessions lists the actors with completed logins.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	actors := make([]string, 0, len(state.LoggedIn))
	for _, stored := range state.LoggedIn {
		actors = append(actors, stored.Actor)
	}
	return actors, nil
}

// ResolveSession reconstitutes the rich session for a logged-in actor:
// tokens move into secret buffers and services are matched to their
// protocol roles.
func (m *Manager) ResolveSession(ctx context.Context, actor string) (*protocol.Session, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return m.resolveStored(state, actor)
}

func (m *Manager) resolveStored(state *State, actor string) (*protocol.Session, error) {
	stored := findSession(state, actor)
	if stored == nil {
		return nil, protocol.NewError(protocol.KindNotFound, "no session for %s", actor)
	}

	session := &protocol.Session{Actor: actor}
	for _, group := range stored.Groups {
		for _, service := range group.Services {
			token, err := secret.NewFromString(group.Token)
			if err != nil {
				return nil, fmt.Errorf("session: protecting token: %w", err)
			}
			endpoint := protocol.Endpoint{URL: service.Endpoint, Token: token}
			switch service.Type {
			case identity.ServicePersonalInbox:
				session.PersonalInbox = endpoint
			case identity.ServiceStorageBucket:
				session.StorageBucket = endpoint
			case identity.ServiceSharedInbox:
				session.SharedInboxes = append(session.SharedInboxes, endpoint)
			default:
				token.Close()
			}
		}
	}
	if session.PersonalInbox.URL == "" {
		return nil, protocol.NewError(protocol.KindNotFound, "session for %s has no personal inbox", actor)
	}
	if session.StorageBucket.URL == "" {
		return nil, protocol.NewError(protocol.KindNotFound, "session for %s has no storage bucket", actor)
	}
	return session, nil
}

// planGroups resolves the actor and groups its services by the
// authorization endpoint each one advertises.
func (m *Manager) planGroups(ctx context.Context, actor string) ([]GroupPlan, error) {
	document, err := m.resolver.Resolve(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("session: resolving %s: %w", actor, err)
	}

	byAuth := make(map[string]*GroupPlan)
	var order []string
	for _, service := range document.Services {
		var authEndpoint string
		switch service.Type {
		case identity.ServicePersonalInbox, identity.ServiceSharedInbox:
			authEndpoint, err = m.inbox.AuthEndpoint(ctx, service.Endpoint)
		case identity.ServiceStorageBucket:
			authEndpoint, err = m.bucket.AuthEndpoint(ctx, service.Endpoint)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("session: locating auth endpoint of %s: %w", service.Endpoint, err)
		}

		plan, ok := byAuth[authEndpoint]
		if !ok {
			plan = &GroupPlan{AuthEndpoint: authEndpoint}
			byAuth[authEndpoint] = plan
			order = append(order, authEndpoint)
		}
		plan.Services = append(plan.Services, StoredService{Type: service.Type, Endpoint: service.Endpoint})
	}
	if len(order) == 0 {
		return nil, protocol.NewError(protocol.KindNotFound, "actor %s advertises no authorizable services", actor)
	}

	plans := make([]GroupPlan, 0, len(order))
	for _, authEndpoint := range order {
		plans = append(plans, *byAuth[authEndpoint])
	}
	return plans, nil
}

func (m *Manager) claim(actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[actor] {
		return protocol.NewError(protocol.KindForbidden, "a login or logout for %s is already running", actor)
	}
	m.active[actor] = true
	return nil
}

func (m *Manager) release(actor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, actor)
}

func findSession(state *State, actor string) *StoredSession {
	for i := range state.LoggedIn {
		if state.LoggedIn[i].Actor == actor {
			return &state.LoggedIn[i]
		}
	}
	return nil
}

func removeSession(state *State, actor string) {
	for i := range state.LoggedIn {
		if state.LoggedIn[i].Actor == actor {
			state.LoggedIn = append(state.LoggedIn[:i], state.LoggedIn[i+1:]...)
			return
		}
	}
}

func findLogin(state *State, actor string) *InProgressLogin {
	for i := range state.LoginInProgress {
		if state.LoginInProgress[i].Actor == actor {
			return &state.LoginInProgress[i]
		}
	}
	return nil
}

func removeLogin(state *State, actor string) {
	for i := range state.LoginInProgress {
		if state.LoginInProgress[i].Actor == actor {
			state.LoginInProgress = append(state.LoginInProgress[:i], state.LoginInProgress[i+1:]...)
			return
		}
	}
}

func findLogout(state *State, actor string) *InProgressLogout {
	for i := range state.LogoutInProgress {
		if state.LogoutInProgress[i].Actor == actor {
			return &state.LogoutInProgress[i]
		}
	}
	return nil
}

func removeLogout(state *State, actor string) {
	for i := range state.LogoutInProgress {
		if state.LogoutInProgress[i].Actor == actor {
			state.LogoutInProgress = append(state.LogoutInProgress[:i], state.LogoutInProgress[i+1:]...)
			return
		}
	}
}
