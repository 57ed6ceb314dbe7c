// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	perrors "github.com/multani/redis-proxy/pkg/errors"
	"github.com/multani/redis-proxy/pkg/handler"
	"github.com/multani/redis-proxy/pkg/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const protocol = "redis"

// rejectLinger bounds how long pending client input is discarded after an
// authentication rejection before the client socket is closed.
const rejectLinger = time.Second

var tracer = otel.Tracer("github.com/multani/redis-proxy/pkg/session")

// Connector opens and authenticates upstream connections.
// *upstream.Connector implements it.
type Connector interface {
	Address() string
	RequiresAuth() bool
	Dial(ctx context.Context) (net.Conn, error)
	Authenticate(ctx context.Context, upstream net.Conn, client io.Writer) error
}

// Runner creates and runs one Session per accepted client connection.
type Runner struct {
	connector Connector
	handler   handler.Handler
	logger    *slog.Logger
}

// NewRunner creates a session runner. A nil handler allows every client.
func NewRunner(c Connector, h handler.Handler, logger *slog.Logger) *Runner {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		connector: c,
		handler:   h,
		logger:    logger,
	}
}

// ServeConn drives the full lifecycle of conn. It takes ownership of conn,
// always closes it and never reports an error: every failure is terminal for
// this session only.
func (r *Runner) ServeConn(ctx context.Context, conn net.Conn) {
	New(conn, r.connector, r.handler, r.logger).Run(ctx)
}

// Session owns one accepted client connection and the upstream connection
// opened on its behalf. Neither connection is shared outside the session.
type Session struct {
	hctx      *handler.Context
	client    net.Conn
	upstream  net.Conn
	connector Connector
	handler   handler.Handler
	logger    *slog.Logger
	span      trace.Span

	state        atomic.Int32
	onTransition func(from, to State)
}

// New creates a session for an accepted client connection. A nil handler
// allows every client.
func New(client net.Conn, c Connector, h handler.Handler, logger *slog.Logger) *Session {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	hctx := &handler.Context{
		SessionID:    uuid.New().String(),
		RemoteAddr:   client.RemoteAddr().String(),
		UpstreamAddr: c.Address(),
		Protocol:     protocol,
		StartedAt:    time.Now(),
	}

	return &Session{
		hctx:      hctx,
		client:    closeOnce(client),
		connector: c,
		handler:   h,
		span:      trace.SpanFromContext(context.Background()),
		logger: logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.RemoteAddr),
			slog.String("upstream", hctx.UpstreamAddr)),
	}
}

// ID returns the session correlation identifier.
func (s *Session) ID() string {
	return s.hctx.SessionID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run drives the session from connecting to closed:
//
//	connecting → [authenticating] → relaying → closing → closed
//
// Any failure jumps straight to closing. Run returns once both connections
// are closed and both relays have finished.
func (s *Session) Run(ctx context.Context) {
	ctx, s.span = tracer.Start(ctx, "redis session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", s.hctx.SessionID),
			attribute.String("client.address", s.hctx.RemoteAddr),
			attribute.String("server.address", s.hctx.UpstreamAddr),
		),
	)
	defer s.teardown(ctx)

	s.logger.Debug("session started")

	if err := s.handler.AuthConnect(ctx, s.hctx); err != nil {
		s.hctx.Err = perrors.New("admit", s.hctx.SessionID, s.hctx.RemoteAddr, perrors.Join(perrors.ErrRejected, err))
		s.logger.Warn("client rejected", slog.String("error", err.Error()))
		return
	}

	dctx, span := tracer.Start(ctx, "upstream dial", trace.WithSpanKind(trace.SpanKindClient))
	upstream, err := s.connector.Dial(dctx)
	endSpan(span, err)
	if err != nil {
		s.hctx.Err = perrors.New("dial", s.hctx.SessionID, s.hctx.UpstreamAddr, err)
		s.logger.Error("failed to connect to upstream", slog.String("error", err.Error()))
		return
	}
	s.upstream = closeOnce(upstream)

	if s.connector.RequiresAuth() {
		s.setState(StateAuthenticating)
		actx, span := tracer.Start(ctx, "upstream auth", trace.WithSpanKind(trace.SpanKindClient))
		err := s.connector.Authenticate(actx, s.upstream, s.client)
		endSpan(span, err)
		if err != nil {
			s.hctx.Err = perrors.New("auth", s.hctx.SessionID, s.hctx.UpstreamAddr, err)
			s.logger.Error("failed to authenticate to upstream", slog.String("error", err.Error()))
			return
		}
		s.hctx.Authenticated = true
	}

	s.setState(StateRelaying)
	if err := s.handler.OnConnect(ctx, s.hctx); err != nil {
		s.logger.Warn("connect handler error", slog.String("error", err.Error()))
	}
	s.logger.Info("session relaying", slog.Bool("authenticated", s.hctx.Authenticated))

	s.relay(ctx)
}

type relayResult struct {
	dir     relay.Direction
	written int64
	err     error
}

// relay races both directions; the first to finish cancels the other, and
// relay waits for the loser to unwind before returning.
func (s *Session) relay(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relays := []*relay.Relay{
		relay.New(s.client, s.upstream, relay.Outbound, s.logger),
		relay.New(s.upstream, s.client, relay.Inbound, s.logger),
	}

	results := make(chan relayResult, len(relays))
	for _, r := range relays {
		go func(r *relay.Relay) {
			n, err := r.Flow(rctx)
			results <- relayResult{dir: r.Direction, written: n, err: err}
		}(r)
	}

	first := <-results
	s.logger.Debug("relay finished, cancelling the other direction",
		slog.String("direction", first.dir.String()))
	cancel()
	second := <-results

	for _, res := range []relayResult{first, second} {
		switch res.dir {
		case relay.Outbound:
			s.hctx.BytesOutbound = res.written
		case relay.Inbound:
			s.hctx.BytesInbound = res.written
		}
	}

	if err := terminalError(ctx, first, second); err != nil {
		s.hctx.Err = perrors.New("relay", s.hctx.SessionID, s.hctx.RemoteAddr, err)
	}
}

// terminalError picks the error that explains why the session ended.
// Cancellation caused by the race and failures caused by the winner closing
// a shared stream are consequences, not causes.
func terminalError(ctx context.Context, results ...relayResult) error {
	for _, res := range results {
		if res.err == nil ||
			errors.Is(res.err, context.Canceled) ||
			errors.Is(res.err, perrors.ErrConnectionClosed) {
			continue
		}
		return perrors.Wrap(res.err, res.dir.String())
	}
	return ctx.Err()
}

func (s *Session) teardown(ctx context.Context) {
	s.setState(StateClosing)

	if s.upstream != nil {
		s.upstream.Close()
	}
	if errors.Is(s.hctx.Err, perrors.ErrAuthRejected) {
		drainAndClose(ctx, s.client, rejectLinger)
	} else {
		s.client.Close()
	}

	s.setState(StateClosed)

	if err := s.handler.OnDisconnect(context.WithoutCancel(ctx), s.hctx); err != nil {
		s.logger.Warn("disconnect handler error", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.Int64("bytes_outbound", s.hctx.BytesOutbound),
		slog.Int64("bytes_inbound", s.hctx.BytesInbound),
		slog.Duration("duration", time.Since(s.hctx.StartedAt)),
	}
	if s.hctx.Err != nil {
		attrs = append(attrs, slog.String("error", s.hctx.Err.Error()))
	}
	s.logger.Info("session closed", attrs...)

	s.span.SetAttributes(
		attribute.Bool("redis_proxy.authenticated", s.hctx.Authenticated),
		attribute.Int64("redis_proxy.bytes_outbound", s.hctx.BytesOutbound),
		attribute.Int64("redis_proxy.bytes_inbound", s.hctx.BytesInbound),
	)
	endSpan(s.span, s.hctx.Err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Session) setState(to State) {
	from := s.State()
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("session %s: invalid transition %s → %s", s.hctx.SessionID, from, to))
	}
	s.state.Store(int32(to))
	s.span.AddEvent(to.String())
	s.logger.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// onceConn makes Close idempotent so the session and the relays can all
// close the same connection without racing on it.
type onceConn struct {
	net.Conn
	once sync.Once
	err  error
}

func closeOnce(c net.Conn) net.Conn {
	return &onceConn{Conn: c}
}

func (c *onceConn) Close() error {
	c.once.Do(func() {
		c.err = c.Conn.Close()
	})
	return c.err
}

// drainAndClose half-closes conn and discards its unread input for at most
// linger before closing it. Closing a socket with unread input makes the
// kernel send RST, which can overtake a reply that was just written.
func drainAndClose(ctx context.Context, conn net.Conn, linger time.Duration) {
	defer conn.Close()

	raw := conn
	if oc, ok := conn.(*onceConn); ok {
		raw = oc.Conn
	}
	cw, ok := raw.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(linger))
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()
	io.Copy(io.Discard, conn)
}
