// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session runs one proxied client connection from accept to close:
// admission, upstream dial, optional AUTH, the two-way relay and teardown.
package session

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateRelaying, StateClosing},
	StateAuthenticating: {StateRelaying, StateClosing},
	StateRelaying:       {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether a session in state s may move to state to.
// StateClosed is terminal.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
