// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package bytestring encodes opaque bytes as self-describing strings.
//
// The only method today is "u": URL-safe base64 without padding,
// prefixed with the literal byte 'u'. The prefix names the method, so
// new encodings can be introduced later without breaking existing
// strings.
package bytestring

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// methodBase64URL is the prefix of the url-safe base64 method.
const methodBase64URL = "u"

// Encode returns the self-describing string form of data.
func Encode(data []byte) string {
	return methodBase64URL + base64.RawURLEncoding.EncodeToString(data)
}

// Decode inverts Encode. It fails if the method prefix is missing or
// the body is not valid unpadded URL-safe base64.
func Decode(encoded string) ([]byte, error) {
	body, ok := strings.CutPrefix(encoded, methodBase64URL)
	if !ok {
		return nil, fmt.Errorf("bytestring: unknown encoding method in %q", truncate(encoded))
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("bytestring: invalid base64url body: %w", err)
	}
	return data, nil
}

func truncate(s string) string {
	if len(s) > 16 {
		return s[:16] + "…"
	}
	return s
}
