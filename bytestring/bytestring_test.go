// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

package bytestring

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0xfd},
		[]byte("hello world"),
		bytes.Repeat([]byte{0xab}, 1000),
	}
	for _, input := range inputs {
		encoded := Encode(input)
		if encoded[0] != 'u' {
			t.Errorf("Encode(%x) missing method prefix: %q", input, encoded)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q): %v", encoded, err)
		}
		if !bytes.Equal(decoded, input) {
			t.Errorf("round trip of %x gave %x", input, decoded)
		}
	}
}

func TestEncodeIsURLSafe(t *testing.T) {
	encoded := Encode([]byte{0xfb, 0xff, 0xbf, 0xef})
	for _, forbidden := range []byte{'+', '/', '='} {
		if bytes.IndexByte([]byte(encoded), forbidden) >= 0 {
			t.Errorf("Encode produced %q containing %q", encoded, forbidden)
		}
	}
}

func TestDecodeRejectsUnknownMethod(t *testing.T) {
	for _, bad := range []string{"", "xAAAA", "AAAA"} {
		if _, err := Decode(bad); err == nil {
			t.Errorf("Decode(%q) succeeded", bad)
		}
	}
}

func TestDecodeRejectsBadBase64(t *testing.T) {
	for _, bad := range []string{"u!!!", "uAB=CD", "uA B"} {
		if _, err := Decode(bad); err == nil {
			t.Errorf("Decode(%q) succeeded", bad)
		}
	}
}
