// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens and authenticates connections to the single
// upstream Redis server on behalf of accepted clients.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/multani/redis-proxy/pkg/breaker"
	perrors "github.com/multani/redis-proxy/pkg/errors"
)

const (
	// AuthOK is the only upstream reply accepted as a successful AUTH.
	AuthOK = "+OK\r\n"

	// RejectionReply is written to the client when the upstream refuses the
	// injected credential.
	RejectionReply = "-WRONGPASS unable to auto-authenticate\r\n"

	// authReplySize bounds the single read used to collect the AUTH reply.
	authReplySize = 1024

	defaultDialTimeout = 10 * time.Second
)

// Config holds the upstream connection parameters.
type Config struct {
	// Address is the upstream server address (host:port)
	Address string

	// Password is injected with AUTH before relaying. Empty skips authentication.
	Password string

	// DialTimeout bounds the TCP connect. Defaults to 10s.
	DialTimeout time.Duration

	// AuthTimeout bounds the AUTH exchange. Zero waits for the upstream indefinitely.
	AuthTimeout time.Duration

	// Breaker optionally refuses dials while the upstream is known to be down.
	Breaker *breaker.CircuitBreaker

	// Logger for connector events
	Logger *slog.Logger
}

// Connector holds the fixed upstream address and credential. It is safe for
// concurrent use by many sessions; it never caches or reuses connections.
type Connector struct {
	config Config
	dialer net.Dialer
}

// Pair is a client connection together with its authenticated upstream
// connection, ready for relaying.
type Pair struct {
	Client   net.Conn
	Upstream net.Conn
}

// New creates a connector for the configured upstream.
func New(cfg Config) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return &Connector{
		config: cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Address returns the upstream address.
func (c *Connector) Address() string {
	return c.config.Address
}

// RequiresAuth reports whether a credential is injected on every connection.
func (c *Connector) RequiresAuth() bool {
	return c.config.Password != ""
}

// Connect opens a new upstream connection and authenticates it for client.
// On authentication failure the rejection is delivered to client, the
// upstream connection is closed and an error matching errors.ErrAuthRejected
// is returned. The caller always remains responsible for closing client.
func (c *Connector) Connect(ctx context.Context, client net.Conn) (*Pair, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.Authenticate(ctx, conn, client); err != nil {
		conn.Close()
		return nil, err
	}

	return &Pair{Client: client, Upstream: conn}, nil
}

// Dial opens a new TCP connection to the upstream. It makes a single attempt.
// Failures match errors.ErrUpstreamUnreachable.
func (c *Connector) Dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	dial := func(ctx context.Context) error {
		var err error
		conn, err = c.dialer.DialContext(ctx, "tcp", c.config.Address)
		return err
	}

	var err error
	if c.config.Breaker != nil {
		err = c.config.Breaker.Do(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		return nil, perrors.Join(perrors.ErrUpstreamUnreachable, err)
	}

	c.config.Logger.Debug("connected to upstream",
		slog.String("upstream", c.config.Address),
		slog.String("local", conn.LocalAddr().String()))

	return conn, nil
}

// Authenticate sends the configured credential on upstream and validates the
// reply with a single read. It is a no-op when no credential is configured.
//
// Any reply other than AuthOK, including the upstream closing the connection,
// is a rejection: RejectionReply is fully written to client before the error
// is returned. I/O failures other than end-of-stream match
// errors.ErrUpstreamUnreachable and write nothing to client.
func (c *Connector) Authenticate(ctx context.Context, upstream net.Conn, client io.Writer) error {
	if !c.RequiresAuth() {
		return nil
	}

	if c.config.AuthTimeout > 0 {
		upstream.SetDeadline(time.Now().Add(c.config.AuthTimeout))
		defer upstream.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		upstream.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(upstream, "AUTH "+c.config.Password+"\r\n"); err != nil {
		return c.ioFailure(ctx, "write AUTH", err)
	}

	buf := make([]byte, authReplySize)
	n, err := upstream.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return c.ioFailure(ctx, "read AUTH reply", err)
	}

	reply := buf[:n]
	if string(reply) == AuthOK {
		c.config.Logger.Debug("authenticated to upstream", slog.String("upstream", c.config.Address))
		return nil
	}

	if _, werr := io.WriteString(client, RejectionReply); werr != nil {
		c.config.Logger.Debug("failed to deliver rejection to client", slog.String("error", werr.Error()))
	}

	return perrors.Join(perrors.ErrAuthRejected, fmt.Errorf("upstream replied %q", reply))
}

func (c *Connector) ioFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return perrors.Join(perrors.ErrUpstreamUnreachable, perrors.Wrap(err, op))
}
