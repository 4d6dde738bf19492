// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon implements a client for the Source RCON protocol as described by Valve Software at
https://developer.valvesoftware.com/wiki/Source_RCON_Protocol.

A [Client] owns one connection, authorizes it with [Client.Connect] and then runs commands with
[Client.Command]. Exchanges are strictly one at a time; see [Client] for details. The packet codec
is exposed through [Packet] for callers that need to speak the wire format directly.

Every error returned by this package is an [*Error] whose [Kind] can be matched with the Err*
sentinels:

	if errors.Is(err, rcon.ErrAuthRejected) {
		// ask for a new password
	}
*/
package rcon
