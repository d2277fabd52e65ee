// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/graffiti-garden/implementation-decentralized/bytestring"
	"github.com/graffiti-garden/implementation-decentralized/contentaddr"
)

// Scheme is the URL scheme of object URLs.
const Scheme = "graffiti"

// EncodeURL builds the object URL binding an actor to a content
// address: graffiti:{enc(actor)}:{enc(bytestring(address))}.
//
// enc substitutes ':' with '!' and '/' with '~', percent-encoding
// everything else outside the unreserved set — including literal '!'
// and '~' in the input, so the substitution is unambiguous and the
// encoding round-trips byte-identically.
func EncodeURL(actor string, address []byte) string {
	return Scheme + ":" + escapeComponent(actor) + ":" + escapeComponent(bytestring.Encode(address))
}

// DecodeURL inverts EncodeURL, validating the content address. Any
// other form fails.
func DecodeURL(objectURL string) (actor string, address []byte, err error) {
	rest, ok := strings.CutPrefix(objectURL, Scheme+":")
	if !ok {
		return "", nil, fmt.Errorf("object: URL %q does not have the %s scheme", truncate(objectURL), Scheme)
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("object: URL %q does not have two components", truncate(objectURL))
	}

	actor, err = unescapeComponent(parts[0])
	if err != nil {
		return "", nil, fmt.Errorf("object: decoding actor component: %w", err)
	}

	addressString, err := unescapeComponent(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("object: decoding address component: %w", err)
	}
	address, err = bytestring.Decode(addressString)
	if err != nil {
		return "", nil, fmt.Errorf("object: decoding content address: %w", err)
	}
	if _, err := contentaddr.MethodOf(address); err != nil {
		return "", nil, fmt.Errorf("object: %w", err)
	}
	return actor, address, nil
}

func escapeComponent(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b == ':':
			builder.WriteByte('!')
		case b == '/':
			builder.WriteByte('~')
		case isUnreserved(b):
			builder.WriteByte(b)
		default:
			fmt.Fprintf(&builder, "%%%02X", b)
		}
	}
	return builder.String()
}

func unescapeComponent(s string) (string, error) {
	substituted := strings.NewReplacer("!", ":", "~", "/").Replace(s)
	decoded, err := url.PathUnescape(substituted)
	if err != nil {
		return "", fmt.Errorf("invalid percent-encoding: %w", err)
	}
	return decoded, nil
}

// isUnreserved reports whether b needs no escaping. '!' and '~' are
// deliberately excluded from the safe set: they are the substitution
// targets for ':' and '/'.
func isUnreserved(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '-' || b == '.' || b == '_'
}

func truncate(s string) string {
	if len(s) > 48 {
		return s[:48] + "…"
	}
	return s
}
