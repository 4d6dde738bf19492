// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"net"
)

// Dialer opens the stream a [Client] speaks RCON over. [*net.Dialer] and [*crypto/tls.Dialer]
// both satisfy it, as does any dialer that tunnels through a jump host. A Dialer that hands back
// something other than TCP is fine, as long as it behaves as a reliable duplex byte stream.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts an ordinary function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f(ctx, network, address).
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

var defaultDialer Dialer = &net.Dialer{}
