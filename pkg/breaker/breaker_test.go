// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var errDial = errors.New("connection refused")

func failing(ctx context.Context) error    { return errDial }
func succeeding(ctx context.Context) error { return nil }

// newTestBreaker returns a breaker driven by a manual clock.
func newTestBreaker(cfg Config) (*CircuitBreaker, func(time.Duration)) {
	now := time.Unix(1700000000, 0)
	cb := New(cfg)
	cb.now = func() time.Time { return now }
	cb.since = now
	return cb, func(d time.Duration) { now = now.Add(d) }
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateHalfOpen, "half_open"},
		{StateOpen, "open"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, advance := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Do(ctx, failing); !errors.Is(err, errDial) {
			t.Fatalf("call %d: expected dial error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	advance(4 * time.Second)
	called := false
	err := cb.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !strings.Contains(err.Error(), "next trial in 6s") {
		t.Errorf("refusal should say when the next trial is due: %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}

	snap := cb.Snapshot()
	if snap.Failures != 3 || !errors.Is(snap.LastError, errDial) {
		t.Errorf("Snapshot() = %+v, want 3 failures and the dial error", snap)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2})
	ctx := context.Background()

	cb.Do(ctx, failing)
	cb.Do(ctx, succeeding)
	cb.Do(ctx, failing)

	if snap := cb.Snapshot(); snap.State != StateClosed || snap.Failures != 1 {
		t.Errorf("expected closed with 1 failure, got %s with %d", snap.State, snap.Failures)
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb, advance := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	cb.Do(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	advance(2 * time.Minute)
	if err := cb.Do(ctx, failing); !errors.Is(err, errDial) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("failed trial should reopen the circuit, got %s", cb.State())
	}

	advance(2 * time.Minute)
	if err := cb.Do(ctx, succeeding); err != nil {
		t.Fatalf("expected trial to succeed, got %v", err)
	}
	if snap := cb.Snapshot(); snap.State != StateClosed || snap.LastError != nil {
		t.Errorf("successful trial should close and clear the circuit, got %+v", snap)
	}
}

func TestCircuitBreaker_SingleTrial(t *testing.T) {
	cb, advance := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})
	ctx := context.Background()

	cb.Do(ctx, failing)
	advance(time.Second)

	inTrial := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Do(ctx, func(ctx context.Context) error {
			close(inTrial)
			<-finish
			return nil
		})
	}()
	<-inTrial

	if err := cb.Do(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during trial = %v, want ErrCircuitOpen", err)
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("trial = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessThreshold(t *testing.T) {
	cb, advance := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	cb.Do(ctx, failing)
	advance(time.Second)

	cb.Do(ctx, succeeding)
	if cb.State() != StateHalfOpen {
		t.Fatalf("one success of two should stay half-open, got %s", cb.State())
	}
	cb.Do(ctx, succeeding)
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb, advance := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("cancellation must not open the circuit, got %s", cb.State())
	}

	// A cancelled trial frees the slot for the next caller.
	cb.Do(context.Background(), failing)
	advance(time.Second)
	cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if err := cb.Do(context.Background(), succeeding); err != nil {
		t.Errorf("trial after cancelled trial = %v", err)
	}
}

func TestCircuitBreaker_Timeout(t *testing.T) {
	cb := New(Config{Timeout: 20 * time.Millisecond})

	err := cb.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if failures := cb.Snapshot().Failures; failures != 1 {
		t.Errorf("timeout should count as a failure, got %d failures", failures)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(Config{MaxFailures: 1})

	got := make(chan Transition, 1)
	cb.OnStateChange(func(tr Transition) { got <- tr })

	cb.Do(context.Background(), failing)

	select {
	case tr := <-got:
		if tr.From != StateClosed || tr.To != StateOpen || !errors.Is(tr.Cause, errDial) {
			t.Errorf("transition = %+v, want closed -> open caused by the dial error", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}
