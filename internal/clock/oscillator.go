/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock models oscillators and the local clocks derived from them.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/sim"
)

var (
	// ErrInvalidConfiguration indicates a rejected frequency or drift value.
	ErrInvalidConfiguration = errors.New("invalid clock configuration")

	// ErrInternalInvariant marks an inconsistent pending-event queue.
	ErrInternalInvariant = errors.New("clock invariant violation")
)

// Tick is a pending oscillator wakeup.
type Tick struct {
	listener    TickListener
	tick        uint64
	kind        uint64
	scheduledAt time.Duration
	cancelled   bool
}

// Tick returns the tick index the wakeup is due at.
func (t *Tick) Tick() uint64 { return t.tick }

// Kind returns the subscriber supplied kind value.
func (t *Tick) Kind() uint64 { return t.kind }

// ScheduledAt returns the kernel time the tick is expected at.
func (t *Tick) ScheduledAt() time.Duration { return t.scheduledAt }

// Cancelled reports whether the tick was unsubscribed.
func (t *Tick) Cancelled() bool { return t.cancelled }

func (t *Tick) less(o *Tick) bool {
	if t.tick != o.tick {
		return t.tick < o.tick
	}
	if t.kind != o.kind {
		return t.kind < o.kind
	}
	return t.listener.ListenerID() < o.listener.ListenerID()
}

func (t *Tick) same(o *Tick) bool {
	return t.tick == o.tick && t.kind == o.kind && t.listener.ListenerID() == o.listener.ListenerID()
}

// Oscillator counts ticks at a configurable frequency. Tick counts are
// derived lazily from kernel time; a kernel event exists only for the
// earliest pending wakeup.
type Oscillator struct {
	kernel         sim.Scheduler
	frequency      float64
	lastTick       uint64
	timeOfLastTick time.Duration
	delivering     bool

	pending  []*Tick
	next     *sim.Event
	armedFor *Tick

	freqListeners []FrequencyListener
	logger        zerolog.Logger
}

// NewOscillator creates an oscillator running at frequencyHz.
func NewOscillator(kernel sim.Scheduler, frequencyHz float64, logger zerolog.Logger) (*Oscillator, error) {
	if err := validateFrequency(frequencyHz); err != nil {
		return nil, err
	}
	return &Oscillator{
		kernel:         kernel,
		frequency:      frequencyHz,
		timeOfLastTick: kernel.Now(),
		logger:         logger.With().Str("component", "oscillator").Logger(),
	}, nil
}

func validateFrequency(hz float64) error {
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz <= 0 {
		return fmt.Errorf("%w: frequency must be positive, got %v", ErrInvalidConfiguration, hz)
	}
	return nil
}

// Frequency returns the oscillator frequency in Hz.
func (o *Oscillator) Frequency() float64 { return o.frequency }

// TickInterval returns the kernel time between two ticks, rounded to the
// nearest nanosecond.
func (o *Oscillator) TickInterval() time.Duration {
	return time.Duration(math.Round(o.intervalNs()))
}

func (o *Oscillator) intervalNs() float64 {
	return float64(time.Second) / o.frequency
}

// TickCount returns the current tick count. It never decreases.
func (o *Oscillator) TickCount() uint64 {
	if o.delivering {
		return o.lastTick
	}
	elapsed := o.kernel.Now() - o.timeOfLastTick
	if elapsed <= 0 {
		return o.lastTick
	}
	x := float64(elapsed) / o.intervalNs()
	return o.lastTick + uint64(math.Floor(x+x*1e-12+1e-9))
}

// schedulingTime returns the kernel time at which tick is reached.
func (o *Oscillator) schedulingTime(tick uint64) time.Duration {
	if tick <= o.lastTick {
		return o.timeOfLastTick
	}
	offset := math.Ceil(float64(tick-o.lastTick)*o.intervalNs() - 1e-6)
	return o.timeOfLastTick + time.Duration(offset)
}

// SubscribeTick schedules a wakeup idleTicks ticks after the current tick.
// Subscribing the same (tick, kind, listener) twice returns the existing
// wakeup.
func (o *Oscillator) SubscribeTick(l TickListener, idleTicks, kind uint64) *Tick {
	target := o.TickCount() + idleTicks
	t := &Tick{
		listener:    l,
		tick:        target,
		kind:        kind,
		scheduledAt: o.schedulingTime(target),
	}

	i := sort.Search(len(o.pending), func(i int) bool { return !o.pending[i].less(t) })
	if i < len(o.pending) && o.pending[i].same(t) {
		return o.pending[i]
	}
	o.pending = append(o.pending, nil)
	copy(o.pending[i+1:], o.pending[i:])
	o.pending[i] = t

	if i == 0 {
		o.scheduleNext()
	}
	return t
}

// UnsubscribeTick removes a pending wakeup. Unknown or fired ticks are
// ignored.
func (o *Oscillator) UnsubscribeTick(t *Tick) {
	if t == nil || t.cancelled {
		return
	}
	i := sort.Search(len(o.pending), func(i int) bool { return !o.pending[i].less(t) })
	for ; i < len(o.pending) && o.pending[i].same(t); i++ {
		if o.pending[i] == t {
			t.cancelled = true
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			if i == 0 {
				o.scheduleNext()
			}
			return
		}
	}
}

// UnsubscribeKind removes every pending wakeup of l with the given kind.
func (o *Oscillator) UnsubscribeKind(l TickListener, kind uint64) {
	o.removeWhere(func(t *Tick) bool {
		return t.listener.ListenerID() == l.ListenerID() && t.kind == kind
	})
}

// UnsubscribeAll removes every pending wakeup of l.
func (o *Oscillator) UnsubscribeAll(l TickListener) {
	o.removeWhere(func(t *Tick) bool {
		return t.listener.ListenerID() == l.ListenerID()
	})
}

func (o *Oscillator) removeWhere(match func(*Tick) bool) {
	headChanged := false
	kept := o.pending[:0]
	for i, t := range o.pending {
		if match(t) {
			t.cancelled = true
			if i == 0 {
				headChanged = true
			}
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(o.pending); i++ {
		o.pending[i] = nil
	}
	o.pending = kept
	if headChanged {
		o.scheduleNext()
	}
}

// IsTickScheduled reports whether t is still pending.
func (o *Oscillator) IsTickScheduled(t *Tick) bool {
	if t == nil || t.cancelled {
		return false
	}
	for _, p := range o.pending {
		if p == t {
			return true
		}
	}
	return false
}

// PendingTicks returns the number of pending wakeups.
func (o *Oscillator) PendingTicks() int { return len(o.pending) }

// SetFrequency changes the tick rate. Pending wakeups keep their tick index
// and are retimed; the tick phase restarts at the current kernel time.
func (o *Oscillator) SetFrequency(hz float64) error {
	if err := validateFrequency(hz); err != nil {
		return err
	}

	o.lastTick = o.TickCount()
	o.timeOfLastTick = o.kernel.Now()

	old := o.frequency
	o.frequency = hz
	for _, t := range o.pending {
		t.scheduledAt = o.schedulingTime(t.tick)
	}
	o.scheduleNext()

	o.logger.Debug().
		Float64("old_hz", old).
		Float64("new_hz", hz).
		Uint64("tick", o.lastTick).
		Msg("oscillator frequency changed")

	for _, l := range o.freqListeners {
		l.OnFrequencyChange(o, old, hz)
	}
	return nil
}

// SubscribeFrequencyChanges registers l for frequency change notifications.
func (o *Oscillator) SubscribeFrequencyChanges(l FrequencyListener) {
	for _, existing := range o.freqListeners {
		if existing == l {
			return
		}
	}
	o.freqListeners = append(o.freqListeners, l)
}

// UnsubscribeFrequencyChanges removes l.
func (o *Oscillator) UnsubscribeFrequencyChanges(l FrequencyListener) {
	for i, existing := range o.freqListeners {
		if existing == l {
			o.freqListeners = append(o.freqListeners[:i], o.freqListeners[i+1:]...)
			return
		}
	}
}

// scheduleNext keeps exactly one kernel event armed for the earliest pending
// wakeup.
func (o *Oscillator) scheduleNext() {
	if len(o.pending) == 0 {
		if o.next != nil {
			o.kernel.Cancel(o.next)
			o.next, o.armedFor = nil, nil
		}
		return
	}

	head := o.pending[0]
	at := head.scheduledAt
	if now := o.kernel.Now(); at < now {
		at = now
	}
	if o.next != nil && o.next.Pending() && o.armedFor == head && o.next.At() == at {
		return
	}
	o.kernel.Cancel(o.next)
	o.armedFor = head
	o.next = o.kernel.ScheduleAt(at, "oscillator.tick", o.fire)
}

func (o *Oscillator) fire() {
	o.next, o.armedFor = nil, nil
	if len(o.pending) == 0 {
		panic(fmt.Errorf("%w: tick event without pending tick", ErrInternalInvariant))
	}

	t := o.pending[0]
	o.pending[0] = nil
	o.pending = o.pending[1:]

	if t.tick < o.lastTick {
		panic(fmt.Errorf("%w: tick %d delivered after tick %d", ErrInternalInvariant, t.tick, o.lastTick))
	}
	if t.tick > o.lastTick {
		o.lastTick = t.tick
		o.timeOfLastTick = o.kernel.Now()
	}

	o.delivering = true
	t.listener.OnTick(o, t)
	o.delivering = false

	o.scheduleNext()
}
