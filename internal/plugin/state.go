// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"sync"

	"github.com/samber/oops"
)

// State is the lifecycle state of a plugin channel.
type State uint8

// Lifecycle states. Deactivated is terminal.
const (
	StateCreated State = iota
	StateLoading
	StateHandshaking
	StateActive
	StateDeactivated
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoading:
		return "loading"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// transitions lists the allowed successor states. Any non-terminal state may
// move to Deactivated so a failed activation can be torn down.
var transitions = map[State][]State{
	StateCreated:     {StateLoading, StateDeactivated},
	StateLoading:     {StateHandshaking, StateDeactivated},
	StateHandshaking: {StateActive, StateDeactivated},
	StateActive:      {StateDeactivated},
}

// lifecycle guards the channel state.
type lifecycle struct {
	state State
	mu    sync.RWMutex
}

func (l *lifecycle) current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// advance moves to next if allowed from the current state.
func (l *lifecycle) advance(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range transitions[l.state] {
		if s == next {
			l.state = next
			return nil
		}
	}
	return oops.In("lifecycle").
		With("from", l.state.String()).
		With("to", next.String()).
		Wrap(ErrInvalidTransition)
}
