// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/multani/redis-proxy/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// Pinger is the part of a go-redis client used by UpstreamCheck.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// NewUpstreamClient returns a go-redis client for checking the upstream. It
// authenticates with the same credential the proxy injects and keeps at most
// one idle connection.
func NewUpstreamClient(addr, password string, dialTimeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  dialTimeout,
		PoolSize:     1,
		MaxIdleConns: 1,
		MaxRetries:   -1,
	})
}

// UpstreamCheck reports whether the upstream answers PING.
func UpstreamCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("upstream ping: %w", err)
		}
		return nil
	}
}

// GoroutineCheck fails when more than max goroutines are running and keeps
// the goroutine gauge current. m may be nil.
func GoroutineCheck(max int, m *metrics.Metrics) CheckFunc {
	return func(ctx context.Context) error {
		n := runtime.NumGoroutine()
		if m != nil {
			m.GoroutinesActive.Set(float64(n))
		}
		if max > 0 && n > max {
			return fmt.Errorf("%d goroutines running, limit %d", n, max)
		}
		return nil
	}
}

// MemoryCheck fails when the heap exceeds maxBytes and keeps the memory
// gauges current. m may be nil.
func MemoryCheck(maxBytes uint64, m *metrics.Metrics) CheckFunc {
	return func(ctx context.Context) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if m != nil {
			m.MemoryAllocated.WithLabelValues("heap").Set(float64(ms.HeapAlloc))
			m.MemoryAllocated.WithLabelValues("sys").Set(float64(ms.Sys))
		}
		if maxBytes > 0 && ms.HeapAlloc > maxBytes {
			return fmt.Errorf("heap %d bytes, limit %d", ms.HeapAlloc, maxBytes)
		}
		return nil
	}
}
