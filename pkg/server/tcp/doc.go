// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the client-facing listener of the Redis proxy.
//
// # Overview
//
// The server binds a TCP address, accepts client connections and hands each
// one to a ConnHandler on its own goroutine. It knows nothing about Redis:
// the session package supplies the handler.
//
//	┌─────────┐         ┌─────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │ Server  │ ──────→ │ Session  │ ←─TCP─→ Upstream
//	└─────────┘         └─────────┘         └──────────┘
//
// # Isolation
//
// Every accepted connection is served independently. An error, a slow
// upstream or even a panic in one session never stops the accept loop or
// affects another session; a panic is recovered, logged with its stack and
// the client connection is closed.
//
// Accept errors are logged and retried with a short backoff. Only a bind
// failure is fatal; it is returned by Listen and wraps errors.ErrBind.
//
// # Graceful Shutdown
//
// When the context passed to Listen is cancelled:
//
//  1. The listener is closed, no new connections are accepted
//  2. The server waits up to ShutdownTimeout for sessions to finish
//  3. Remaining sessions are cancelled and unwind through their normal
//     teardown path
//  4. ErrShutdownTimeout is returned if step 3 was needed
//
// # Example
//
//	server := tcp.New(tcp.Config{
//		Address:         "127.0.0.1:6379",
//		ShutdownTimeout: 30 * time.Second,
//	}, runner)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
