// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the Redis proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrBind indicates the listening socket could not be established.
	// It is the only error that is fatal to the whole process.
	ErrBind = errors.New("unable to bind listener")

	// ErrUpstreamUnreachable indicates the upstream connection could not be opened.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrAuthRejected indicates the upstream refused the configured credential.
	ErrAuthRejected = errors.New("upstream authentication rejected")

	// ErrRelay indicates an I/O failure on either stream while relaying.
	ErrRelay = errors.New("relay failed")

	// ErrRejected indicates a client was refused before the upstream was dialed.
	ErrRejected = errors.New("client rejected")

	// ErrRateLimited indicates a client was refused by a rate limiter.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProxyError wraps an error with session context.
type ProxyError struct {
	Op         string // Operation that failed (bind, dial, auth, relay)
	SessionID  string // Session identifier
	RemoteAddr string // Peer address relevant to Op
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Join annotates cause with one of the sentinel kinds so that errors.Is
// matches both the kind and the underlying cause.
func Join(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
