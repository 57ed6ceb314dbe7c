// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context carries the metadata of one proxied session. It is created when a
// client is accepted, owned by that session and passed to every Handler call.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// UpstreamAddr is the upstream server address (host:port)
	UpstreamAddr string

	// Protocol indicates the relayed protocol ("redis")
	Protocol string

	// Authenticated reports whether the upstream accepted the injected credential.
	// It stays false when no credential is configured.
	Authenticated bool

	// StartedAt is the time the client was accepted
	StartedAt time.Time

	// BytesOutbound is the number of bytes relayed client → upstream.
	// Set once the session has torn down.
	BytesOutbound int64

	// BytesInbound is the number of bytes relayed upstream → client.
	// Set once the session has torn down.
	BytesInbound int64

	// Err is the error that ended the session, nil for a clean close.
	// Set once the session has torn down.
	Err error
}

// Handler defines callbacks for the session lifecycle.
//
// AuthConnect is called before the upstream is dialed and may reject the
// client by returning an error; the client is then closed without any bytes
// written to it.
//
// OnConnect and OnDisconnect are notifications for audit logging or metrics.
// Their errors are logged but never change the session outcome.
type Handler interface {
	// AuthConnect authorizes a freshly accepted client.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the upstream is connected and authenticated,
	// right before relaying starts.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called exactly once per accepted client, after both
	// streams are closed. hctx carries byte counts and the terminal error.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all sessions.
// Useful for testing or when no hooks are needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
