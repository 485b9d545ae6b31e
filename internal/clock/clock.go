/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// MinEffectiveRate is the lowest frequency+drift at which a clock still
// advances. Below it the clock is stopped and no wakeups are requested.
const MinEffectiveRate = 1e-3

// Timestamp is a pending clock wakeup.
type Timestamp struct {
	listener TimestampListener
	target   time.Duration
	kind     uint64
	fired    bool
	removed  bool
}

// Target returns the local time the wakeup is due at.
func (ts *Timestamp) Target() time.Duration { return ts.target }

// Kind returns the subscriber supplied kind value.
func (ts *Timestamp) Kind() uint64 { return ts.kind }

// Fired reports whether the timestamp was delivered.
func (ts *Timestamp) Fired() bool { return ts.fired }

func (ts *Timestamp) less(o *Timestamp) bool {
	if ts.target != o.target {
		return ts.target < o.target
	}
	if ts.kind != o.kind {
		return ts.kind < o.kind
	}
	return ts.listener.ListenerID() < o.listener.ListenerID()
}

func (ts *Timestamp) same(o *Timestamp) bool {
	return ts.target == o.target && ts.kind == o.kind && ts.listener.ListenerID() == o.listener.ListenerID()
}

// Option configures a Clock.
type Option func(*Clock)

// WithDriftRate sets the initial drift in Hz.
func WithDriftRate(hz float64) Option {
	return func(c *Clock) { c.drift = hz }
}

// WithInitialTime sets the local time at construction.
func WithInitialTime(t time.Duration) Option {
	return func(c *Clock) { c.localTime = t }
}

// Clock is a local time base driven by an oscillator. Local time is pulled
// from the oscillator tick count on demand; the clock only subscribes one
// tick, for its earliest pending timestamp.
type Clock struct {
	id        uint64
	osc       *Oscillator
	localTime time.Duration
	lastTick  uint64
	drift     float64

	pending  []*Timestamp
	nextTick *Tick
	firing   bool

	configListeners []ConfigListener
	logger          zerolog.Logger
}

// NewClock creates a clock on osc.
func NewClock(osc *Oscillator, logger zerolog.Logger, opts ...Option) (*Clock, error) {
	c := &Clock{
		id:       NewListenerID(),
		osc:      osc,
		lastTick: osc.TickCount(),
		logger:   logger.With().Str("component", "clock").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if math.IsNaN(c.drift) || math.IsInf(c.drift, 0) {
		return nil, fmt.Errorf("%w: drift must be finite, got %v", ErrInvalidConfiguration, c.drift)
	}
	osc.SubscribeFrequencyChanges(c)
	if c.Stopped() {
		c.logger.Warn().Float64("effective_rate", c.EffectiveRate()).Msg("clock created stopped")
	}
	return c, nil
}

// ListenerID identifies the clock as a tick listener.
func (c *Clock) ListenerID() uint64 { return c.id }

// Oscillator returns the driving oscillator.
func (c *Clock) Oscillator() *Oscillator { return c.osc }

// DriftRate returns the drift in Hz.
func (c *Clock) DriftRate() float64 { return c.drift }

// EffectiveRate returns oscillator frequency plus drift.
func (c *Clock) EffectiveRate() float64 { return c.osc.Frequency() + c.drift }

// Stopped reports whether the effective rate is below MinEffectiveRate.
func (c *Clock) Stopped() bool { return c.EffectiveRate() < MinEffectiveRate }

// TickInterval returns the local time advanced per oscillator tick, at least
// one nanosecond. A stopped clock reports zero.
func (c *Clock) TickInterval() time.Duration {
	if c.Stopped() {
		return 0
	}
	d := time.Duration(math.Round(c.intervalNs()))
	if d < 1 {
		d = 1
	}
	return d
}

// TickIntervalNs returns the unrounded local time per oscillator tick in
// nanoseconds. A stopped clock reports zero.
func (c *Clock) TickIntervalNs() float64 {
	if c.Stopped() {
		return 0
	}
	return c.intervalNs()
}

func (c *Clock) intervalNs() float64 {
	return float64(time.Second) / c.EffectiveRate()
}

// span is the local time folded in for ticks elapsed at rate.
func span(ticks uint64, rate float64) time.Duration {
	return time.Duration(math.Round(float64(ticks) * float64(time.Second) / rate))
}

func (c *Clock) advance(ticks uint64, rate float64) {
	if ticks == 0 || rate < MinEffectiveRate {
		return
	}
	c.localTime += span(ticks, rate)
}

// ticksToCover returns the fewest ticks after which the local time has moved
// by at least idle. TickInterval always maps to exactly one tick.
func (c *Clock) ticksToCover(idle time.Duration) uint64 {
	rate := c.EffectiveRate()
	n := uint64(math.Ceil(float64(idle)/c.intervalNs() - 1e-9))
	if n == 0 {
		n = 1
	}
	for n > 1 && span(n-1, rate) >= idle {
		n--
	}
	for span(n, rate) < idle {
		n++
	}
	return n
}

// UpdateAndGetLocalTime folds the ticks elapsed since the last update into the
// local time and returns it.
func (c *Clock) UpdateAndGetLocalTime() time.Duration {
	cur := c.osc.TickCount()
	if cur > c.lastTick {
		c.advance(cur-c.lastTick, c.EffectiveRate())
		c.lastTick = cur
	}
	return c.localTime
}

// SubscribeTimestamp requests a wakeup once the local time reaches t.
// Subscribing the same (t, kind, listener) twice returns the existing
// timestamp.
func (c *Clock) SubscribeTimestamp(l TimestampListener, t time.Duration, kind uint64) *Timestamp {
	ts := &Timestamp{listener: l, target: t, kind: kind}

	i := sort.Search(len(c.pending), func(i int) bool { return !c.pending[i].less(ts) })
	if i < len(c.pending) && c.pending[i].same(ts) {
		return c.pending[i]
	}
	c.pending = append(c.pending, nil)
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = ts

	if i == 0 {
		c.scheduleNext()
	}
	return ts
}

// SubscribeDelta requests a wakeup delta after the current local time.
func (c *Clock) SubscribeDelta(l TimestampListener, delta time.Duration, kind uint64) *Timestamp {
	return c.SubscribeTimestamp(l, c.UpdateAndGetLocalTime()+delta, kind)
}

// Unsubscribe removes a pending timestamp. Fired or unknown timestamps are
// ignored.
func (c *Clock) Unsubscribe(ts *Timestamp) {
	if ts == nil || ts.fired || ts.removed {
		return
	}
	i := sort.Search(len(c.pending), func(i int) bool { return !c.pending[i].less(ts) })
	for ; i < len(c.pending) && c.pending[i].same(ts); i++ {
		if c.pending[i] == ts {
			ts.removed = true
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			if i == 0 {
				c.scheduleNext()
			}
			return
		}
	}
}

// UnsubscribeKind removes every pending timestamp of l with the given kind.
func (c *Clock) UnsubscribeKind(l TimestampListener, kind uint64) {
	c.removeWhere(func(ts *Timestamp) bool {
		return ts.listener.ListenerID() == l.ListenerID() && ts.kind == kind
	})
}

// UnsubscribeAll removes every pending timestamp of l.
func (c *Clock) UnsubscribeAll(l TimestampListener) {
	c.removeWhere(func(ts *Timestamp) bool {
		return ts.listener.ListenerID() == l.ListenerID()
	})
}

func (c *Clock) removeWhere(match func(*Timestamp) bool) {
	headChanged := false
	kept := c.pending[:0]
	for i, ts := range c.pending {
		if match(ts) {
			ts.removed = true
			if i == 0 {
				headChanged = true
			}
			continue
		}
		kept = append(kept, ts)
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
	if headChanged {
		c.scheduleNext()
	}
}

// PendingTimestamps returns the number of pending timestamps.
func (c *Clock) PendingTimestamps() int { return len(c.pending) }

// SetDriftRate changes the drift. Elapsed ticks are accounted at the old
// rate first.
func (c *Clock) SetDriftRate(hz float64) error {
	if math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("%w: drift must be finite, got %v", ErrInvalidConfiguration, hz)
	}
	c.UpdateAndGetLocalTime()
	old := c.drift
	c.drift = hz
	c.scheduleNext()

	ev := c.logger.Debug()
	if c.Stopped() {
		ev = c.logger.Warn()
	}
	ev.Float64("old_drift", old).
		Float64("new_drift", hz).
		Bool("stopped", c.Stopped()).
		Msg("clock drift changed")

	for _, l := range c.configListeners {
		l.OnDriftRateChange(c, old, hz)
	}
	return nil
}

// SetLocalTime jumps the local time to t. A forward jump delivers every
// timestamp that became due, in order, before returning.
func (c *Clock) SetLocalTime(t time.Duration) {
	old := c.UpdateAndGetLocalTime()
	c.localTime = t

	c.logger.Debug().Dur("old_time", old).Dur("new_time", t).Msg("clock phase jump")

	if t > old {
		c.fireDue()
	}
	c.scheduleNext()

	for _, l := range c.configListeners {
		l.OnPhaseJump(c, old, t)
	}
}

// SubscribeConfigChanges registers l for rate, drift and phase notifications.
func (c *Clock) SubscribeConfigChanges(l ConfigListener) {
	c.configListeners = append(c.configListeners, l)
}

// UnsubscribeConfigChanges removes l.
func (c *Clock) UnsubscribeConfigChanges(l ConfigListener) {
	for i, existing := range c.configListeners {
		if existing == l {
			c.configListeners = append(c.configListeners[:i], c.configListeners[i+1:]...)
			return
		}
	}
}

// OnFrequencyChange implements FrequencyListener.
func (c *Clock) OnFrequencyChange(o *Oscillator, oldHz, newHz float64) {
	cur := o.TickCount()
	if cur > c.lastTick {
		c.advance(cur-c.lastTick, oldHz+c.drift)
		c.lastTick = cur
	}
	c.scheduleNext()
	for _, l := range c.configListeners {
		l.OnClockRateChange(c, oldHz+c.drift, newHz+c.drift)
	}
}

// OnTick implements TickListener.
func (c *Clock) OnTick(o *Oscillator, t *Tick) {
	if t != c.nextTick {
		panic(fmt.Errorf("%w: clock received unknown tick %d", ErrInternalInvariant, t.Tick()))
	}
	c.nextTick = nil
	c.fireDue()
	c.scheduleNext()
}

func (c *Clock) fireDue() {
	c.firing = true
	defer func() { c.firing = false }()

	for len(c.pending) > 0 {
		now := c.UpdateAndGetLocalTime()
		head := c.pending[0]
		if head.target > now {
			return
		}
		c.pending[0] = nil
		c.pending = c.pending[1:]
		head.fired = true
		head.listener.OnTimestamp(c, head)
	}
}

// scheduleNext replaces the tick subscription with one for the earliest
// pending timestamp.
func (c *Clock) scheduleNext() {
	if c.firing {
		return
	}
	if c.nextTick != nil {
		c.osc.UnsubscribeTick(c.nextTick)
		c.nextTick = nil
	}
	if len(c.pending) == 0 || c.Stopped() {
		return
	}

	idle := c.pending[0].target - c.UpdateAndGetLocalTime()
	var idleTicks uint64
	if idle > 0 {
		idleTicks = c.ticksToCover(idle)
	}
	c.nextTick = c.osc.SubscribeTick(c, idleTicks, 0)
}
