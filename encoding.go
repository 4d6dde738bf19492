// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncoding is the text encoding a [Client] uses for commands and replies unless configured
// otherwise.
var DefaultEncoding encoding.Encoding = unicode.UTF8

// EncodingByName resolves a character encoding label such as "utf-8", "windows-1252" or
// "shift_jis". Labels follow the WHATWG encoding standard, so "iso-8859-1" resolves to
// windows-1252. Unknown labels are reported as a [KindConfiguration] error.
func EncodingByName(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultEncoding, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, configError("encoding", "unknown text encoding %q", name)
	}
	return enc, nil
}

// encodeText converts s from UTF-8 into enc.
func encodeText(enc encoding.Encoding, s string) ([]byte, error) {
	b, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, configError("command", "command text is not representable in the configured encoding: %s", err)
	}
	return b, nil
}

// decodeText converts b from enc into a UTF-8 string. Invalid input is replaced rather than
// rejected.
func decodeText(enc encoding.Encoding, b []byte) string {
	s, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(s)
}
