// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"github.com/graffiti-garden/implementation-decentralized/lib/codec"
)

// Schema is a compiled structural pattern over object values. A value
// matches when every key the pattern names is present with a matching
// value, recursively; keys the pattern does not name are
// unconstrained. The empty pattern matches every value.
//
// The same pattern travels in query bodies: servers must only return
// objects whose values match it, and the client re-checks every
// result (a mismatch from the server is a protocol violation, not a
// client filter).
type Schema struct {
	pattern map[string]any
}

// CompileSchema validates and compiles a schema. The input must be a
// string-keyed map (or nil, equivalent to the empty pattern); anything
// else fails with InvalidSchema.
func CompileSchema(raw any) (*Schema, error) {
	if raw == nil {
		return &Schema{pattern: map[string]any{}}, nil
	}
	pattern, ok := raw.(map[string]any)
	if !ok {
		return nil, NewError(KindInvalidSchema, "schema must be a string-keyed map, got %T", raw)
	}
	// Round-trip through the canonical encoding so later comparisons
	// see the same representation the wire carries, and so an
	// unencodable pattern fails here rather than at query time.
	encoded, err := codec.Marshal(pattern)
	if err != nil {
		return nil, NewError(KindInvalidSchema, "schema is not encodable: %v", err)
	}
	var normalized map[string]any
	if err := codec.Unmarshal(encoded, &normalized); err != nil {
		return nil, NewError(KindInvalidSchema, "schema is not round-trippable: %v", err)
	}
	return &Schema{pattern: normalized}, nil
}

// Pattern returns the normalized pattern map for inclusion in wire
// query bodies.
func (s *Schema) Pattern() map[string]any { return s.pattern }

// Matches reports whether value satisfies the pattern.
func (s *Schema) Matches(value any) bool {
	if len(s.pattern) == 0 {
		return true
	}
	return patternMatches(s.pattern, value)
}

func patternMatches(pattern, value any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for key, sub := range p {
			actual, present := v[key]
			if !present || !patternMatches(sub, actual) {
				return false
			}
		}
		return true
	case []any:
		v, ok := value.([]any)
		if !ok || len(v) != len(p) {
			return false
		}
		for i := range p {
			if !patternMatches(p[i], v[i]) {
				return false
			}
		}
		return true
	default:
		// Scalars compare through the canonical encoding so integer
		// widths and CBOR representations normalize.
		equal, err := codec.Equal(pattern, value)
		return err == nil && equal
	}
}
