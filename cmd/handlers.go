// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/multani/redis-proxy/pkg/breaker"
	perrors "github.com/multani/redis-proxy/pkg/errors"
	"github.com/multani/redis-proxy/pkg/handler"
	"github.com/multani/redis-proxy/pkg/metrics"
	"github.com/multani/redis-proxy/pkg/ratelimit"
)

// RateLimitedHandler wraps a handler with connection rate limiting. Either
// limiter may be nil.
type RateLimitedHandler struct {
	handler          handler.Handler
	perClientLimiter *ratelimit.Limiter
	globalLimiter    *ratelimit.TokenBucket
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// AuthConnect implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if h.globalLimiter != nil && !h.globalLimiter.Allow() {
		h.metrics.RateLimitedConnections.WithLabelValues("global").Inc()
		h.logger.Warn("Global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr))
		return perrors.ErrRateLimited
	}

	if h.perClientLimiter != nil {
		client := ratelimit.ClientKey(hctx.RemoteAddr)
		if !h.perClientLimiter.Allow(client) {
			h.metrics.RateLimitedConnections.WithLabelValues("per_client").Inc()
			h.logger.Warn("Per-client rate limit exceeded",
				slog.String("client", client))
			return perrors.ErrRateLimited
		}
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// AuthConnect implements handler.Handler with metrics. Every session passes
// here first, so this is where it starts being counted as active.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.SessionStarted()
	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	status := sessionStatus(hctx.Err)
	h.metrics.SessionFinished(status, time.Since(hctx.StartedAt), hctx.BytesOutbound, hctx.BytesInbound)

	if authAttempted(hctx) {
		h.metrics.AuthAttempts.Inc()
	}
	if status == metrics.StatusAuthRejected {
		h.metrics.AuthFailures.Inc()
	}
	if errType := upstreamErrorType(hctx.Err); errType != "" {
		h.metrics.UpstreamErrors.WithLabelValues(errType).Inc()
	}
	h.logger.Debug("session outcome",
		slog.String("session", hctx.SessionID),
		slog.String("status", status))

	return h.handler.OnDisconnect(ctx, hctx)
}

// sessionStatus maps the terminal error of a session to its status label.
func sessionStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusRelayed
	case errors.Is(err, perrors.ErrRejected):
		return metrics.StatusRejected
	case errors.Is(err, perrors.ErrAuthRejected):
		return metrics.StatusAuthRejected
	case errors.Is(err, perrors.ErrUpstreamUnreachable):
		return metrics.StatusUnreachable
	case errors.Is(err, context.Canceled):
		// Shutdown cancelled a session that was already relaying.
		return metrics.StatusRelayed
	default:
		return metrics.StatusError
	}
}

func upstreamErrorType(err error) string {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, perrors.ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, perrors.ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return ""
	}
}

// authAttempted reports whether an AUTH exchange took place, whatever its outcome.
func authAttempted(hctx *handler.Context) bool {
	if hctx.Authenticated {
		return true
	}
	var perr *perrors.ProxyError
	return errors.As(hctx.Err, &perr) && perr.Op == "auth"
}
