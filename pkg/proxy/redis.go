// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/multani/redis-proxy/pkg/breaker"
	"github.com/multani/redis-proxy/pkg/handler"
	"github.com/multani/redis-proxy/pkg/server/tcp"
	"github.com/multani/redis-proxy/pkg/session"
	"github.com/multani/redis-proxy/pkg/upstream"
)

// ErrMissingUpstream is returned by NewRedis when no upstream host is configured.
var ErrMissingUpstream = errors.New("missing upstream address")

// RedisConfig holds configuration for the Redis proxy.
type RedisConfig struct {
	Host             string
	Port             string
	UpstreamHost     string
	UpstreamPort     string
	UpstreamPassword string
	DialTimeout      time.Duration
	AuthTimeout      time.Duration
	MaxConnections   int
	TLSConfig        *tls.Config
	ShutdownTimeout  time.Duration
	Breaker          *breaker.CircuitBreaker
	Logger           *slog.Logger
}

// RedisProxy coordinates the TCP listener, the session runner and the
// upstream connector.
type RedisProxy struct {
	server    *tcp.Server
	connector *upstream.Connector
}

// NewRedis creates a new Redis proxy. The handler may be nil.
func NewRedis(cfg RedisConfig, h handler.Handler) (*RedisProxy, error) {
	if cfg.UpstreamHost == "" {
		return nil, ErrMissingUpstream
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connector := upstream.New(upstream.Config{
		Address:     net.JoinHostPort(cfg.UpstreamHost, cfg.UpstreamPort),
		Password:    cfg.UpstreamPassword,
		DialTimeout: cfg.DialTimeout,
		AuthTimeout: cfg.AuthTimeout,
		Breaker:     cfg.Breaker,
		Logger:      cfg.Logger,
	})

	server := tcp.New(tcp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		TLSConfig:       cfg.TLSConfig,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}, session.NewRunner(connector, h, cfg.Logger))

	return &RedisProxy{
		server:    server,
		connector: connector,
	}, nil
}

// UpstreamAddress returns the host:port every session connects to.
func (p *RedisProxy) UpstreamAddress() string {
	return p.connector.Address()
}

// Listen binds the listen address and serves until ctx is cancelled.
func (p *RedisProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

// Serve serves on an already bound listener until ctx is cancelled.
func (p *RedisProxy) Serve(ctx context.Context, ln net.Listener) error {
	return p.server.Serve(ctx, ln)
}
