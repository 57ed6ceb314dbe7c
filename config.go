// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redisproxy holds the configuration of the Redis proxy.
package redisproxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "REDIS_PROXY_"

var (
	// ErrMissingUpstream indicates no upstream address was configured.
	ErrMissingUpstream = errors.New("upstream address is required")

	// ErrInvalidPort indicates a port outside 0-65535, or 0 where a real port is needed.
	ErrInvalidPort = errors.New("invalid port")

	// ErrIncompleteTLS indicates only one of the certificate and key was configured.
	ErrIncompleteTLS = errors.New("both server certificate and key are required for TLS")

	// ErrInvalidNetwork indicates an allowed client entry that is neither an IP nor a CIDR.
	ErrInvalidNetwork = errors.New("invalid client network")
)

// Config is the resolved proxy configuration. It is not modified after the
// proxy starts.
type Config struct {
	ListenAddress    string `env:"LISTEN_ADDRESS"    envDefault:"127.0.0.1"`
	ListenPort       string `env:"LISTEN_PORT"       envDefault:"6379"`
	UpstreamAddress  string `env:"UPSTREAM_ADDRESS"`
	UpstreamPort     string `env:"UPSTREAM_PORT"     envDefault:"6379"`
	UpstreamPassword string `env:"UPSTREAM_PASSWORD"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT"     envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`

	// Client addresses or CIDRs admitted by the proxy, empty admits everyone
	AllowedClients []string `env:"ALLOWED_CLIENTS" envSeparator:","`

	// TLS on the client-facing listener
	ServerCert string `env:"SERVER_CERT"`
	ServerKey  string `env:"SERVER_KEY"`

	// Observability, 0 disables the server
	MetricsPort   int `env:"METRICS_PORT"   envDefault:"0"`
	HealthPort    int `env:"HEALTH_PORT"    envDefault:"0"`
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"0"`

	// Rate limiting, 0 capacity disables the limiter
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"0"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"0"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"0"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"0"`

	// Circuit breaker around upstream dials, 0 max failures disables it
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// NewConfig parses the environment into a Config. Pass
// env.Options{Prefix: EnvPrefix} for the standard variable names.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem found.
func (c Config) Validate() error {
	var errs []error
	if c.UpstreamAddress == "" {
		errs = append(errs, ErrMissingUpstream)
	}
	if err := checkPort("listen", c.ListenPort, true); err != nil {
		errs = append(errs, err)
	}
	if err := checkPort("upstream", c.UpstreamPort, false); err != nil {
		errs = append(errs, err)
	}
	for name, p := range map[string]int{"metrics": c.MetricsPort, "health": c.HealthPort} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%w: %s port %d", ErrInvalidPort, name, p))
		}
	}
	if (c.ServerCert == "") != (c.ServerKey == "") {
		errs = append(errs, ErrIncompleteTLS)
	}
	if _, err := c.ClientNetworks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClientNetworks parses AllowedClients. A bare address is a single-host prefix.
func (c Config) ClientNetworks() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range c.AllowedClients {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidNetwork, entry)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNetwork, entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func checkPort(name, port string, allowZero bool) error {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 || (p == 0 && !allowZero) {
		return fmt.Errorf("%w: %s port %q", ErrInvalidPort, name, port)
	}
	return nil
}

// ListenAddr returns the host:port the proxy binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, c.ListenPort)
}

// UpstreamAddr returns the host:port of the upstream server.
func (c Config) UpstreamAddr() string {
	return net.JoinHostPort(c.UpstreamAddress, c.UpstreamPort)
}

// TLSConfig loads the listener certificate. It returns nil when TLS is not
// configured.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.ServerCert == "" && c.ServerKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LogValue implements slog.LogValuer. The upstream password is never logged.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("listen", c.ListenAddr()),
		slog.String("upstream", c.UpstreamAddr()),
		slog.Bool("upstream_auth", c.UpstreamPassword != ""),
		slog.Bool("tls", c.ServerCert != ""),
		slog.Duration("dial_timeout", c.DialTimeout),
		slog.Duration("auth_timeout", c.AuthTimeout),
		slog.Int("allowed_clients", len(c.AllowedClients)),
		slog.Int("metrics_port", c.MetricsPort),
		slog.Int("health_port", c.HealthPort),
	)
}
