// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol error. Callers branch on kinds with
// IsKind rather than matching error strings.
type Kind string

const (
	// KindNotFound: absent object, actor service, bucket value, or
	// cursor entry.
	KindNotFound Kind = "not_found"
	// KindUnauthorized: missing or rejected bearer token.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden: auth failure or a cross-actor mutation attempt.
	KindForbidden Kind = "forbidden"
	// KindTooLarge: envelope over MaxObjectBytes, Content-Length over
	// the caller's limit, or a streamed body exceeding it.
	KindTooLarge Kind = "too_large"
	// KindCursorExpired: server 410 or a cache-version mismatch on an
	// explicit continuation.
	KindCursorExpired Kind = "cursor_expired"
	// KindInvalidSchema: the caller's schema does not compile.
	KindInvalidSchema Kind = "invalid_schema"
	// KindSchemaMismatch: object found but fails the caller's schema.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindNotAcceptable: media type unacceptable to the caller.
	KindNotAcceptable Kind = "not_acceptable"
	// KindProtocolViolation: the server or a peer broke a protocol
	// invariant — object outside the stated schema, bytes hashing to
	// the wrong address, missing or extra attestations, or a mixed
	// public/private envelope.
	KindProtocolViolation Kind = "protocol_violation"
	// KindGeneric: transport failures and unmapped HTTP statuses.
	KindGeneric Kind = "generic"
)

// Error is the structured protocol error. Callers extract it with
// errors.As:
//
//	var protocolErr *protocol.Error
//	if errors.As(err, &protocolErr) {
//	    if protocolErr.Kind == protocol.KindNotFound { ... }
//	}
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// StatusCode is the HTTP status this error was mapped from, or
	// zero when the error did not come from a response.
	StatusCode int
	// Origin is the endpoint the error came from, when known.
	Origin string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	message := fmt.Sprintf("graffiti: %s", e.Kind)
	if e.Message != "" {
		message += ": " + e.Message
	}
	if e.Origin != "" {
		message += " (" + e.Origin + ")"
	}
	return message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) a protocol Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Kind == kind
	}
	return false
}

// ErrorFromStatus maps an HTTP error status to a protocol Error:
// 401 Unauthorized, 403 Forbidden, 404 NotFound, 410 CursorExpired,
// 413 TooLarge; anything else is generic.
func ErrorFromStatus(statusCode int, message string) *Error {
	kind := KindGeneric
	switch statusCode {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusGone:
		kind = KindCursorExpired
	case http.StatusRequestEntityTooLarge:
		kind = KindTooLarge
	}
	return &Error{Kind: kind, Message: message, StatusCode: statusCode}
}
