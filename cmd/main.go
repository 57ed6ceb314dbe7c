// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command redis-proxy is a transparent Redis proxy that authenticates to the
// upstream server on behalf of its clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	redisproxy "github.com/multani/redis-proxy"
	"github.com/multani/redis-proxy/examples/simple"
	"github.com/multani/redis-proxy/pkg/breaker"
	"github.com/multani/redis-proxy/pkg/handler"
	"github.com/multani/redis-proxy/pkg/health"
	"github.com/multani/redis-proxy/pkg/metrics"
	"github.com/multani/redis-proxy/pkg/proxy"
	"github.com/multani/redis-proxy/pkg/ratelimit"
	"github.com/multani/redis-proxy/pkg/server/tcp"
	"github.com/multani/redis-proxy/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName         = "redis-proxy"
	httpShutdownTimeout = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the command-line flags. Flags explicitly set on the command
// line win over the environment.
type options struct {
	verbose          int
	listenAddress    string
	listenPort       string
	upstreamAddress  string
	upstreamPort     string
	upstreamPassword string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "redis-proxy",
		Short: "Transparent Redis proxy that authenticates to the upstream on behalf of its clients",
		Long: `redis-proxy accepts Redis client connections, opens one upstream connection
per client, sends AUTH with the configured password and then relays bytes in
both directions without interpreting them.

Every flag can also be set through the environment with the ` + redisproxy.EnvPrefix + ` prefix,
for example ` + redisproxy.EnvPrefix + `UPSTREAM_ADDRESS. A .env file in the working
directory is loaded when present.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dotenvErr := godotenv.Load()

			cfg, err := opts.config(cmd.Flags(), env.Options{Prefix: redisproxy.EnvPrefix})
			if err != nil {
				return err
			}

			logger := setupLogger(opts.logLevel(cfg.LogLevel), cfg.LogFormat)
			if dotenvErr != nil {
				logger.Debug("no .env file found, using environment variables")
			}

			return run(cmd.Context(), cfg, logger)
		},
	}

	opts.bind(cmd.Flags())
	return cmd
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.CountVarP(&o.verbose, "verbose", "v", "increase log verbosity (-v warn, -vv info, -vvv debug)")
	fs.StringVar(&o.listenAddress, "listen-address", "127.0.0.1", "address to listen on")
	fs.StringVar(&o.listenPort, "listen-port", "6379", "port to listen on")
	fs.StringVar(&o.upstreamAddress, "upstream-address", "", "address of the upstream Redis server (required)")
	fs.StringVar(&o.upstreamPort, "upstream-port", "6379", "port of the upstream Redis server")
	fs.StringVar(&o.upstreamPassword, "upstream-password", "", "password sent with AUTH to the upstream server")
}

// config resolves the environment, applies the flags set on the command line
// and validates the result.
func (o *options) config(fs *pflag.FlagSet, envOpts env.Options) (redisproxy.Config, error) {
	cfg, err := redisproxy.NewConfig(envOpts)
	if err != nil {
		return redisproxy.Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	overrides := map[string]*string{
		"listen-address":    &cfg.ListenAddress,
		"listen-port":       &cfg.ListenPort,
		"upstream-address":  &cfg.UpstreamAddress,
		"upstream-port":     &cfg.UpstreamPort,
		"upstream-password": &cfg.UpstreamPassword,
	}
	values := map[string]string{
		"listen-address":    o.listenAddress,
		"listen-port":       o.listenPort,
		"upstream-address":  o.upstreamAddress,
		"upstream-port":     o.upstreamPort,
		"upstream-password": o.upstreamPassword,
	}
	for name, dst := range overrides {
		if fs.Changed(name) {
			*dst = values[name]
		}
	}

	if err := cfg.Validate(); err != nil {
		return redisproxy.Config{}, err
	}
	return cfg, nil
}

// logLevel picks the level from -v when given, otherwise from the environment.
func (o *options) logLevel(fromEnv string) slog.Level {
	switch {
	case o.verbose >= 3:
		return slog.LevelDebug
	case o.verbose == 2:
		return slog.LevelInfo
	case o.verbose == 1:
		return slog.LevelWarn
	}
	return parseLevel(fromEnv)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func run(ctx context.Context, cfg redisproxy.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	logger.Info("starting redis proxy", slog.Any("config", cfg))

	shutdownTracing, err := tracing.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	m := metrics.New("", prometheus.DefaultRegisterer)

	cb := newBreaker(cfg, m, logger)

	h, closeLimiters, err := newHandler(cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeLimiters()

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return err
	}

	p, err := proxy.NewRedis(proxy.RedisConfig{
		Host:             cfg.ListenAddress,
		Port:             cfg.ListenPort,
		UpstreamHost:     cfg.UpstreamAddress,
		UpstreamPort:     cfg.UpstreamPort,
		UpstreamPassword: cfg.UpstreamPassword,
		DialTimeout:      cfg.DialTimeout,
		AuthTimeout:      cfg.AuthTimeout,
		MaxConnections:   cfg.MaxConnections,
		TLSConfig:        tlsConfig,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Breaker:          cb,
		Logger:           logger,
	}, h)
	if err != nil {
		return err
	}

	g.Go(func() error {
		err := p.Listen(ctx)
		if errors.Is(err, tcp.ErrShutdownTimeout) {
			logger.Warn("sessions were cancelled after the shutdown timeout")
			return nil
		}
		return err
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), mux, logger)
		})
	}

	if cfg.HealthPort > 0 {
		upstreamClient := health.NewUpstreamClient(cfg.UpstreamAddr(), cfg.UpstreamPassword, cfg.DialTimeout)
		defer upstreamClient.Close()
		if err := redisotel.InstrumentTracing(upstreamClient); err != nil {
			return fmt.Errorf("failed to instrument health client: %w", err)
		}

		checker := health.NewChecker(10 * time.Second)
		checker.RegisterCritical("upstream", health.UpstreamCheck(upstreamClient))
		checker.Register("goroutines", health.GoroutineCheck(cfg.MaxGoroutines, m))
		checker.Register("memory", health.MemoryCheck(0, m))

		g.Go(func() error {
			return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), checker.Mux(), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("redis proxy terminated with error: %s", err))
		return err
	}
	logger.Info("redis proxy stopped")
	return nil
}

// newBreaker returns nil when the circuit breaker is disabled.
func newBreaker(cfg redisproxy.Config, m *metrics.Metrics, logger *slog.Logger) *breaker.CircuitBreaker {
	if cfg.BreakerMaxFailures <= 0 {
		return nil
	}

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(t breaker.Transition) {
		attrs := []any{
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
		}
		if t.Cause != nil {
			attrs = append(attrs, slog.String("cause", t.Cause.Error()))
		}
		logger.Warn("circuit breaker state changed", attrs...)

		// Listeners run concurrently; publish the settled state.
		m.CircuitBreakerState.Set(float64(cb.State()))
		if t.To == breaker.StateOpen {
			m.CircuitBreakerTrips.Inc()
		}
	})
	return cb
}

// newHandler builds the handler chain: instrumentation, then rate limiting,
// then the logging handler.
func newHandler(cfg redisproxy.Config, m *metrics.Metrics, logger *slog.Logger) (handler.Handler, func(), error) {
	networks, err := cfg.ClientNetworks()
	if err != nil {
		return nil, nil, err
	}

	rl := &RateLimitedHandler{
		handler: simple.New(logger, simple.WithAllowedNetworks(networks)),
		metrics: m,
		logger:  logger,
	}
	if cfg.RateLimitCapacity > 0 {
		rl.perClientLimiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	}
	if cfg.GlobalRateCapacity > 0 {
		rl.globalLimiter = ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)
	}

	closeFn := func() {
		if rl.perClientLimiter != nil {
			rl.perClientLimiter.Close()
		}
	}

	return &InstrumentedHandler{
		handler: rl,
		metrics: m,
		logger:  logger,
	}, closeFn, nil
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info(fmt.Sprintf("starting %s server", name), slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// StopSignalHandler cancels the process context on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
