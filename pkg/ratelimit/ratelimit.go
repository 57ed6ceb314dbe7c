// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast new client connections are admitted,
// using token buckets.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

const (
	defaultMaxClients = 10000
	cleanupInterval   = 5 * time.Minute
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available, otherwise it takes none.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// refill must be called with tb.mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

type clientBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter keeps one token bucket per client host. Buckets idle for longer
// than the cleanup interval are dropped.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*clientBucket
	capacity     int64
	refillRate   int64
	maxClients   int
	now          func() time.Time
	cleanupTimer *time.Timer
}

// NewLimiter creates a per-client limiter tracking at most maxClients hosts.
// Zero maxClients defaults to 10000. New hosts beyond the limit are refused.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = defaultMaxClients
	}

	l := &Limiter{
		limiters:   make(map[string]*clientBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		now:        time.Now,
	}
	l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)

	return l
}

// Allow takes one token from the bucket of clientID.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN takes n tokens from the bucket of clientID.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.Lock()
	cb, ok := l.limiters[clientID]
	if !ok {
		if len(l.limiters) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		cb = &clientBucket{bucket: newTokenBucket(l.capacity, l.refillRate, l.now)}
		l.limiters[clientID] = cb
	}
	cb.lastSeen = l.now()
	l.mu.Unlock()

	return cb.bucket.AllowN(n)
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

func (l *Limiter) cleanup() {
	l.evictIdle(cleanupInterval)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)
}

// evictIdle drops buckets unused for longer than idle.
func (l *Limiter) evictIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	evicted := 0
	for id, cb := range l.limiters {
		if cb.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			evicted++
		}
	}
	return evicted
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}

// ClientKey returns the host part of a remote address so that every
// connection from the same host shares one bucket.
func ClientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
