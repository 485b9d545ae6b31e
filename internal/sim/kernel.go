/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sim provides the discrete event loop that drives virtual time.
//
// The loop is single threaded: every callback runs to completion before the
// next one starts, and callbacks scheduled for the same instant run in the
// order they were scheduled.
package sim

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInternalInvariant marks a violated kernel invariant. It is raised with
// panic and never returned.
var ErrInternalInvariant = errors.New("internal invariant violation")

// Scheduler is the part of the event loop consumed by clocks and engines.
type Scheduler interface {
	// Now reports the current virtual time.
	Now() time.Duration
	// ScheduleAt registers fn to run at the absolute virtual time at.
	ScheduleAt(at time.Duration, name string, fn func()) *Event
	// Cancel removes a pending event. Cancelling a nil, fired or already
	// cancelled event is a no-op.
	Cancel(ev *Event)
}

// Event is a handle to a scheduled callback.
type Event struct {
	name  string
	at    time.Duration
	seq   uint64
	fn    func()
	index int
}

// At returns the virtual time the event is scheduled for.
func (e *Event) At() time.Duration { return e.at }

// Name returns the debug name given at scheduling time.
func (e *Event) Name() string { return e.name }

// Pending reports whether the event is still queued.
func (e *Event) Pending() bool { return e != nil && e.index >= 0 }

// Kernel is a heap based event loop.
type Kernel struct {
	now       time.Duration
	seq       uint64
	queue     eventQueue
	processed uint64
	onEvent   func(*Event)
}

var _ Scheduler = (*Kernel)(nil)

// NewKernel creates an empty kernel at virtual time zero.
func NewKernel() *Kernel {
	return &Kernel{}
}

// OnEvent installs a hook invoked after each processed event.
func (k *Kernel) OnEvent(fn func(*Event)) {
	k.onEvent = fn
}

// Now reports the current virtual time.
func (k *Kernel) Now() time.Duration { return k.now }

// Pending returns the number of queued events.
func (k *Kernel) Pending() int { return k.queue.Len() }

// Processed returns the number of events executed so far.
func (k *Kernel) Processed() uint64 { return k.processed }

// NextAt returns the time of the earliest pending event.
func (k *Kernel) NextAt() (time.Duration, bool) {
	if k.queue.Len() == 0 {
		return 0, false
	}
	return k.queue[0].at, true
}

// ScheduleAt registers fn to run at virtual time at.
func (k *Kernel) ScheduleAt(at time.Duration, name string, fn func()) *Event {
	if at < k.now {
		panic(fmt.Errorf("%w: event %q scheduled at %v before now %v", ErrInternalInvariant, name, at, k.now))
	}
	k.seq++
	ev := &Event{name: name, at: at, seq: k.seq, fn: fn}
	heap.Push(&k.queue, ev)
	return ev
}

// Cancel removes ev from the queue if it is still pending.
func (k *Kernel) Cancel(ev *Event) {
	if ev == nil || ev.index < 0 || ev.index >= k.queue.Len() || k.queue[ev.index] != ev {
		return
	}
	heap.Remove(&k.queue, ev.index)
}

// Step executes the earliest pending event. It returns false when the queue
// is empty.
func (k *Kernel) Step() bool {
	if k.queue.Len() == 0 {
		return false
	}
	ev := heap.Pop(&k.queue).(*Event)
	k.now = ev.at
	k.processed++
	ev.fn()
	if k.onEvent != nil {
		k.onEvent(ev)
	}
	return true
}

// Run processes events until the queue is empty or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !k.Step() {
			return nil
		}
	}
}

// RunUntil processes every event scheduled at or before t and then advances
// the virtual time to t.
func (k *Kernel) RunUntil(t time.Duration) {
	for k.queue.Len() > 0 && k.queue[0].at <= t {
		k.Step()
	}
	if t > k.now {
		k.now = t
	}
}

type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}
