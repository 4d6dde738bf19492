// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies every failure a [Client] or the packet codec can report.
type Kind int

const (
	// KindConfiguration indicates invalid caller input such as an empty host, an out of range port,
	// or an empty command. It is always detected before any I/O takes place.
	KindConfiguration Kind = iota + 1

	// KindTransport indicates a failure of the underlying connection: a failed dial, write, read, or
	// close, an expired deadline, or use of a client that holds no ready connection.
	KindTransport

	// KindMalformedFrame indicates that a frame could not be decoded, either because the stream
	// ended before the declared length was satisfied or because the declared length is impossible.
	// The connection should be considered unusable afterward.
	KindMalformedFrame

	// KindAuthRejected indicates the server refused the supplied password by answering with a
	// correlation ID of -1.
	KindAuthRejected

	// KindProtocolMismatch indicates a reply carrying a correlation ID that is neither the expected
	// value nor the -1 rejection sentinel. This signals a desynchronized or non-conforming peer.
	KindProtocolMismatch
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindMalformedFrame:
		return "malformed frame"
	case KindAuthRejected:
		return "auth rejected"
	case KindProtocolMismatch:
		return "protocol mismatch"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by this package. Its Kind is stable and can be matched with
// [errors.Is] against the Err* sentinels, e.g. errors.Is(err, rcon.ErrAuthRejected).
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed, such as "connect", "command" or "decode".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	s := "rcon: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind that carries no cause of its own. This
// makes the Err* sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// Sentinels for matching errors by kind.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrMalformedFrame   = &Error{Kind: KindMalformedFrame}
	ErrAuthRejected     = &Error{Kind: KindAuthRejected}
	ErrProtocolMismatch = &Error{Kind: KindProtocolMismatch}
)

// ErrNotConnected is the cause reported when a command is issued on a client that has no ready
// connection.
var ErrNotConnected = errors.New("not connected")

// KindOf returns the [Kind] of err, or zero if err was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func configError(op, format string, args ...any) *Error {
	return newError(KindConfiguration, op, errors.Errorf(format, args...))
}
