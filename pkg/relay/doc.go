// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the byte-transparent copy loop used for each
// direction of a proxied session.
//
// # Loop
//
// A relay reads at most BufferSize bytes from its source, writes exactly
// those bytes to its destination and only then reads again, so at most one
// chunk per direction is ever in flight:
//
//	for {
//	  n := src.Read(buf)      // 0 bytes or io.EOF ends the relay
//	  dst.Write(buf[:n])      // full write before the next read
//	}
//
// # Cancellation
//
// Flow watches its context. When the context is cancelled the read deadline
// of the source and the write deadline of the destination are set to now,
// which makes the blocked call return immediately; the relay then unwinds
// through its cleanup.
//
// # Ownership
//
// The destination is closed on every exit path. The source is left open:
// the session owns it and the opposite relay closes it as its own
// destination.
package relay
