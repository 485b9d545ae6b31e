/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import "time"

// StateListener receives every oper state assignment, including the
// synthetic one made when the list execute machine initialises.
// Listeners are compared by identity, so implementations should be pointers.
type StateListener[T any] interface {
	OnStateChange(from, to T)
}

// StateFunc adapts a function to StateListener.
type StateFunc[T any] struct {
	fn func(from, to T)
}

// NewStateFunc wraps fn. Keep the returned pointer to unsubscribe later.
func NewStateFunc[T any](fn func(from, to T)) *StateFunc[T] {
	return &StateFunc[T]{fn: fn}
}

// OnStateChange implements StateListener.
func (f *StateFunc[T]) OnStateChange(from, to T) { f.fn(from, to) }

// Observer receives engine events that are not oper state values. It is used
// for metrics and event export.
type Observer interface {
	OperStateChanged(manager string, listPointer int)
	CycleStarted(manager string, at time.Duration)
	ConfigChanged(manager string, at time.Duration)
	ConfigChangeFailed(manager string, requestedBase, chosen time.Duration)
}
