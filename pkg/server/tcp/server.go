// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	perrors "github.com/multani/redis-proxy/pkg/errors"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

const (
	defaultShutdownTimeout = 30 * time.Second
	maxAcceptBackoff       = time.Second
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxConnections bounds the number of concurrent sessions. Zero means
	// unlimited. When the limit is reached the accept loop waits for a
	// session to finish.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active sessions to drain
	// during graceful shutdown. After this timeout, remaining sessions are
	// cancelled.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// ConnHandler serves one accepted connection. ServeConn owns conn and must
// close it before returning.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f(ctx, conn).
func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts client connections and hands each one to its own
// goroutine. A failure or panic while serving one connection never affects
// the listener or any other connection.
type Server struct {
	config  Config
	handler ConnHandler
	connSem chan struct{}
	wg      sync.WaitGroup
}

// New creates a new TCP server with the given configuration and connection handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		config:  cfg,
		handler: h,
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured address and serves until ctx is cancelled.
// A bind failure is returned immediately and wraps errors.ErrBind.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return perrors.New("bind", "", s.config.Address, perrors.Join(perrors.ErrBind, err))
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains the
// active sessions. Serve takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", ln.Addr().String()))
	}

	s.config.Logger.Info("proxy listening", slog.String("address", ln.Addr().String()))

	// Sessions run under their own context so that shutdown can first stop
	// accepting, then wait, and only then cancel what is left.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, ln)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, cancelling remaining sessions")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		if !s.acquire(ctx) {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.serve(connCtx, conn)
		}()
	}
}

// serve runs the handler for one connection and contains any panic it raises.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Error("session panicked",
				slog.String("client", remote),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			conn.Close()
		}
	}()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("client", remote),
				slog.String("error", err.Error()))
			conn.Close()
			return
		}
	}

	s.config.Logger.Debug("connection accepted", slog.String("client", remote))
	s.handler.ServeConn(ctx, conn)
}

func (s *Server) acquire(ctx context.Context) bool {
	if s.connSem == nil {
		return true
	}
	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) release() {
	if s.connSem != nil {
		<-s.connSem
	}
}
