// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link proxied sessions to
// application logic such as logging, metrics and admission control.
//
// # Data Flow
//
//	Client → Listener → Handler.AuthConnect → dial + AUTH upstream
//	       → Handler.OnConnect → relay both directions → teardown
//	       → Handler.OnDisconnect
//
// # Context
//
// The Context struct is the per-session observability value. It carries:
//   - SessionID: Correlation identifier for this session
//   - RemoteAddr, UpstreamAddr: The two endpoints
//   - Authenticated: Whether a credential was injected and accepted
//   - BytesOutbound, BytesInbound, Err: Session outcome, filled at teardown
//
// Sessions never share a Context, so concurrent sessions' logs and metrics
// remain distinguishable.
//
// # Example
//
//	type AuditHandler struct {
//		handler.NoopHandler
//		log *slog.Logger
//	}
//
//	func (h *AuditHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
//		h.log.Info("session closed", slog.String("session", hctx.SessionID))
//		return nil
//	}
package handler
