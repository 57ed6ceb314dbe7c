// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards upstream dials. After enough consecutive failed
// dials the circuit opens and new sessions are refused at once instead of
// each waiting for its own dial timeout. Once the reset timeout has elapsed a
// single trial dial is let through; its outcome closes or reopens the circuit.
//
// The breaker never retries. A refused or failed call is reported to the
// caller once.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen matches every call refused by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the position of the circuit. The numeric values are exported as
// a metric gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failed calls that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial is allowed.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful trial calls needed to close
	// the circuit again.
	SuccessThreshold int
	// Timeout bounds every call made through the breaker. Zero means no bound.
	Timeout time.Duration
}

// Transition describes a state change. Cause is the failure that opened the
// circuit, nil otherwise.
type Transition struct {
	From  State
	To    State
	Cause error
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State     State
	Failures  int
	Successes int
	LastError error
	Since     time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	trialing   bool
	lastErr   error
	since     time.Time
	listener  func(Transition)
	now       func() time.Time
}

// New creates a closed circuit breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		cfg:   cfg,
		since: time.Now(),
		now:   time.Now,
	}
}

// Do runs fn unless the circuit refuses it, then records the outcome.
// Refusals wrap ErrCircuitOpen and say when the next trial is due.
// Cancellation by the caller is returned as is and not recorded.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	if cb.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.Timeout)
		defer cancel()
	}

	err = fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		cb.release(trial)
		return err
	}

	cb.record(trial, err)
	return err
}

// admit reports whether a call may proceed and whether it is the half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.since)
		if wait > 0 {
			return false, fmt.Errorf("%w: next trial in %s", ErrCircuitOpen, wait.Round(time.Millisecond))
		}
		cb.transition(StateHalfOpen)
	}

	// Half-open: one trial at a time.
	if cb.trialing {
		return false, fmt.Errorf("%w: trial in progress", ErrCircuitOpen)
	}
	cb.trialing = true
	return true, nil
}

func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trialing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialing = false
	}

	if err != nil {
		cb.lastErr = err
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}

	t := Transition{From: cb.state, To: to}
	if to == StateOpen {
		t.Cause = cb.lastErr
	}

	cb.state = to
	cb.since = cb.now()
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
		cb.lastErr = nil
	}

	if cb.listener != nil {
		go cb.listener(t)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers fn to be called on every transition. fn runs on
// its own goroutine, so transitions may be observed out of order.
func (cb *CircuitBreaker) OnStateChange(fn func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listener = fn
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		LastError: cb.lastErr,
		Since:     cb.since,
	}
}
