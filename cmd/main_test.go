// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"

	"github.com/caarlos0/env/v11"
	redisproxy "github.com/multani/redis-proxy"
	"github.com/multani/redis-proxy/examples/simple"
	perrors "github.com/multani/redis-proxy/pkg/errors"
	"github.com/multani/redis-proxy/pkg/handler"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/pflag"
)

func parseFlags(t *testing.T, args ...string) (*options, *pflag.FlagSet) {
	t.Helper()
	opts := &options{}
	fs := pflag.NewFlagSet("redis-proxy", pflag.ContinueOnError)
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return opts, fs
}

func envOptions(vars map[string]string) env.Options {
	return env.Options{Prefix: redisproxy.EnvPrefix, Environment: vars}
}

func TestOptions_FlagsOverrideEnvironment(t *testing.T) {
	opts, fs := parseFlags(t, "--listen-port", "7000", "--upstream-password", "from-flag")

	cfg, err := opts.config(fs, envOptions(map[string]string{
		"REDIS_PROXY_LISTEN_ADDRESS":    "0.0.0.0",
		"REDIS_PROXY_LISTEN_PORT":       "6000",
		"REDIS_PROXY_UPSTREAM_ADDRESS":  "redis.internal",
		"REDIS_PROXY_UPSTREAM_PASSWORD": "from-env",
	}))
	if err != nil {
		t.Fatalf("config() error = %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0" {
		t.Errorf("unset flag must not override env: ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.ListenPort != "7000" {
		t.Errorf("ListenPort = %q, want flag value 7000", cfg.ListenPort)
	}
	if cfg.UpstreamPassword != "from-flag" {
		t.Errorf("UpstreamPassword = %q, want flag value", cfg.UpstreamPassword)
	}
	if cfg.UpstreamAddr() != "redis.internal:6379" {
		t.Errorf("UpstreamAddr() = %q", cfg.UpstreamAddr())
	}
}

func TestOptions_UpstreamRequired(t *testing.T) {
	opts, fs := parseFlags(t)
	if _, err := opts.config(fs, envOptions(map[string]string{})); !errors.Is(err, redisproxy.ErrMissingUpstream) {
		t.Errorf("config() error = %v, want ErrMissingUpstream", err)
	}

	opts, fs = parseFlags(t, "--upstream-address", "10.0.0.1")
	if _, err := opts.config(fs, envOptions(map[string]string{})); err != nil {
		t.Errorf("config() with --upstream-address = %v", err)
	}
}

func TestOptions_LogLevel(t *testing.T) {
	tests := []struct {
		args    []string
		fromEnv string
		want    slog.Level
	}{
		{nil, "error", slog.LevelError},
		{nil, "info", slog.LevelInfo},
		{nil, "bogus", slog.LevelError},
		{[]string{"-v"}, "error", slog.LevelWarn},
		{[]string{"-vv"}, "error", slog.LevelInfo},
		{[]string{"-vvv"}, "error", slog.LevelDebug},
		{[]string{"-v", "-v", "-v", "-v"}, "error", slog.LevelDebug},
		{[]string{"--verbose"}, "debug", slog.LevelWarn},
	}

	for _, tt := range tests {
		opts, _ := parseFlags(t, tt.args...)
		if got := opts.logLevel(tt.fromEnv); got != tt.want {
			t.Errorf("logLevel(%v, %q) = %v, want %v", tt.args, tt.fromEnv, got, tt.want)
		}
	}
}

func TestNewHandler_Chain(t *testing.T) {
	m := newTestMetrics()
	cfg := redisproxy.Config{
		AllowedClients:     []string{"10.0.0.0/8"},
		GlobalRateCapacity: 2,
	}

	h, closeFn, err := newHandler(cfg, m, discardLogger)
	if err != nil {
		t.Fatalf("newHandler() error = %v", err)
	}
	defer closeFn()
	ctx := context.Background()

	if err := h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.1.1.1:4000"}); err != nil {
		t.Errorf("allowed client rejected: %v", err)
	}
	if err := h.AuthConnect(ctx, &handler.Context{RemoteAddr: "172.16.0.1:4000"}); !errors.Is(err, simple.ErrClientNotAllowed) {
		t.Errorf("AuthConnect() outside allowed networks = %v", err)
	}
	if err := h.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.1.1.1:4001"}); !errors.Is(err, perrors.ErrRateLimited) {
		t.Errorf("AuthConnect() past global capacity = %v, want ErrRateLimited", err)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("instrumentation must see every session, active = %v", got)
	}

	if _, _, err := newHandler(redisproxy.Config{AllowedClients: []string{"nope"}}, m, discardLogger); !errors.Is(err, redisproxy.ErrInvalidNetwork) {
		t.Errorf("newHandler() with bad network = %v", err)
	}
}

func TestNewBreaker_Disabled(t *testing.T) {
	if cb := newBreaker(redisproxy.Config{}, newTestMetrics(), discardLogger); cb != nil {
		t.Error("breaker must be nil when max failures is 0")
	}
	if cb := newBreaker(redisproxy.Config{BreakerMaxFailures: 3}, newTestMetrics(), discardLogger); cb == nil {
		t.Error("breaker must be built when max failures is set")
	}
}

func TestRun_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer taken.Close()
	_, port, _ := net.SplitHostPort(taken.Addr().String())

	cfg := redisproxy.Config{
		ListenAddress:   "127.0.0.1",
		ListenPort:      port,
		UpstreamAddress: "127.0.0.1",
		UpstreamPort:    "6379",
	}

	err = run(context.Background(), cfg, discardLogger)
	if !errors.Is(err, perrors.ErrBind) {
		t.Errorf("run() error = %v, want ErrBind", err)
	}
}

func TestRootCommand_RejectsArguments(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"unexpected"})
	cmd.SetOut(discardWriter{})
	cmd.SetErr(discardWriter{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected positional arguments to be rejected")
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
