/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/sim"
)

type tsRecorder struct {
	id   uint64
	name string
	log  *[]string
	k    *sim.Kernel

	local  []time.Duration
	kernel []time.Duration
	late   []string
}

func newTSRecorder(name string, k *sim.Kernel, log *[]string) *tsRecorder {
	return &tsRecorder{id: NewListenerID(), name: name, log: log, k: k}
}

func (r *tsRecorder) ListenerID() uint64 { return r.id }

func (r *tsRecorder) OnTimestamp(c *Clock, ts *Timestamp) {
	now := c.UpdateAndGetLocalTime()
	if now < ts.Target() {
		r.late = append(r.late, fmt.Sprintf("target %v fired at %v", ts.Target(), now))
	}
	if r.log != nil {
		*r.log = append(*r.log, fmt.Sprintf("%s:%d:%d", r.name, ts.Target().Nanoseconds(), ts.Kind()))
	}
	r.local = append(r.local, now)
	r.kernel = append(r.kernel, r.k.Now())
}

func newTestClock(t *testing.T, hz float64, opts ...Option) (*sim.Kernel, *Oscillator, *Clock) {
	t.Helper()
	k, o := newTestOscillator(t, hz)
	c, err := NewClock(o, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return k, o, c
}

func TestClockRejectsNonFiniteDrift(t *testing.T) {
	_, o := newTestOscillator(t, 1e6)
	if _, err := NewClock(o, zerolog.Nop(), WithDriftRate(math.NaN())); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("NewClock with NaN drift error = %v", err)
	}

	_, _, c := newTestClock(t, 1e6)
	if err := c.SetDriftRate(math.Inf(1)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("SetDriftRate(+Inf) error = %v", err)
	}
}

func TestClockLocalTimeWithDrift(t *testing.T) {
	k, _, c := newTestClock(t, 1e6, WithDriftRate(-5e5), WithInitialTime(time.Millisecond))

	if got := c.TickInterval(); got != 2*time.Microsecond {
		t.Fatalf("TickInterval() = %v, want 2us", got)
	}
	k.RunUntil(3 * time.Microsecond)
	if got := c.UpdateAndGetLocalTime(); got != time.Millisecond+6*time.Microsecond {
		t.Fatalf("local time = %v, want 1.006ms", got)
	}
}

func TestClockTimestampFiresAtTarget(t *testing.T) {
	k, o, c := newTestClock(t, 1e6, WithDriftRate(-5e5))
	r := newTSRecorder("r", k, nil)

	c.SubscribeTimestamp(r, 10*time.Microsecond, 0)
	if o.PendingTicks() != 1 {
		t.Fatalf("oscillator pending ticks = %d, want 1", o.PendingTicks())
	}
	if err := k.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(r.kernel) != 1 || r.kernel[0] != 5*time.Microsecond {
		t.Fatalf("fired at kernel %v, want [5us]", r.kernel)
	}
	if r.local[0] != 10*time.Microsecond {
		t.Errorf("local time at fire = %v, want 10us", r.local[0])
	}
}

func TestClockTimestampOrdering(t *testing.T) {
	k, _, c := newTestClock(t, 1e6)
	var log []string
	a := newTSRecorder("a", k, &log)
	b := newTSRecorder("b", k, &log)

	c.SubscribeTimestamp(b, 5*time.Microsecond, 0)
	c.SubscribeTimestamp(a, 5*time.Microsecond, 1)
	c.SubscribeTimestamp(a, 5*time.Microsecond, 0)
	c.SubscribeTimestamp(a, 2*time.Microsecond, 7)

	_ = k.Run(t.Context())

	want := "[a:2000:7 a:5000:0 b:5000:0 a:5000:1]"
	if fmt.Sprint(log) != want {
		t.Errorf("order = %v, want %v", log, want)
	}
}

func TestClockNeverFiresEarly(t *testing.T) {
	k, _, c := newTestClock(t, 3e6, WithDriftRate(1234))
	r := newTSRecorder("r", k, nil)

	for i := 1; i <= 50; i++ {
		c.SubscribeTimestamp(r, time.Duration(i)*777*time.Nanosecond, 0)
	}
	_ = k.Run(t.Context())

	if len(r.local) != 50 {
		t.Fatalf("fired %d timestamps, want 50", len(r.local))
	}
	if len(r.late) != 0 {
		t.Fatalf("timestamps fired before target: %v", r.late)
	}
	for i := 1; i < len(r.local); i++ {
		if r.local[i] < r.local[i-1] {
			t.Fatalf("local time decreased between firings: %v -> %v", r.local[i-1], r.local[i])
		}
	}
}

func TestClockSubscribeDeltaAndUnsubscribe(t *testing.T) {
	k, o, c := newTestClock(t, 1e6)
	r := newTSRecorder("r", k, nil)

	k.RunUntil(4 * time.Microsecond)
	ts := c.SubscribeDelta(r, 3*time.Microsecond, 0)
	if ts.Target() != 7*time.Microsecond {
		t.Fatalf("delta target = %v, want 7us", ts.Target())
	}

	c.Unsubscribe(ts)
	if o.PendingTicks() != 0 {
		t.Fatalf("oscillator still has %d ticks after unsubscribe", o.PendingTicks())
	}

	c.SubscribeDelta(r, time.Microsecond, 1)
	c.SubscribeDelta(r, 2*time.Microsecond, 2)
	c.UnsubscribeKind(r, 1)
	_ = k.Run(t.Context())
	if len(r.kernel) != 1 || r.kernel[0] != 6*time.Microsecond {
		t.Fatalf("fired at %v, want [6us]", r.kernel)
	}

	c.SubscribeDelta(r, time.Microsecond, 1)
	c.SubscribeDelta(r, 2*time.Microsecond, 2)
	c.UnsubscribeAll(r)
	if c.PendingTimestamps() != 0 || k.Pending() != 0 {
		t.Fatalf("pending after UnsubscribeAll: timestamps=%d kernel=%d", c.PendingTimestamps(), k.Pending())
	}
}

func TestClockForwardPhaseJumpFiresDueTimestamps(t *testing.T) {
	k, _, c := newTestClock(t, 1e6)
	var log []string
	r := newTSRecorder("r", k, &log)

	var jumps []string
	c.SubscribeConfigChanges(&ConfigFuncs{PhaseJump: func(_ *Clock, oldTime, newTime time.Duration) {
		jumps = append(jumps, fmt.Sprintf("%d->%d", oldTime.Nanoseconds(), newTime.Nanoseconds()))
	}})

	c.SubscribeTimestamp(r, 5*time.Microsecond, 1)
	c.SubscribeTimestamp(r, 3*time.Microsecond, 0)
	c.SubscribeTimestamp(r, 20*time.Microsecond, 0)

	c.SetLocalTime(10 * time.Microsecond)

	if fmt.Sprint(log) != "[r:3000:0 r:5000:1]" {
		t.Fatalf("fired during jump = %v", log)
	}
	if fmt.Sprint(jumps) != "[0->10000]" {
		t.Fatalf("phase jumps = %v", jumps)
	}

	_ = k.Run(t.Context())
	if r.kernel[len(r.kernel)-1] != 10*time.Microsecond {
		t.Errorf("20us timestamp fired at kernel %v, want 10us", r.kernel[len(r.kernel)-1])
	}
}

func TestClockBackwardPhaseJumpDelaysTimestamps(t *testing.T) {
	k, _, c := newTestClock(t, 1e6)
	r := newTSRecorder("r", k, nil)

	k.RunUntil(10 * time.Microsecond)
	c.SubscribeTimestamp(r, 15*time.Microsecond, 0)
	c.SetLocalTime(5 * time.Microsecond)

	_ = k.Run(t.Context())
	if len(r.kernel) != 1 || r.kernel[0] != 20*time.Microsecond {
		t.Fatalf("fired at kernel %v, want [20us]", r.kernel)
	}
}

func TestClockStoppedSubscribesNoTicks(t *testing.T) {
	k, o, c := newTestClock(t, 1e6, WithDriftRate(-1e6))
	r := newTSRecorder("r", k, nil)

	if !c.Stopped() || c.TickInterval() != 0 {
		t.Fatalf("clock not stopped: rate %v", c.EffectiveRate())
	}
	c.SubscribeTimestamp(r, 5*time.Microsecond, 0)
	if o.PendingTicks() != 0 {
		t.Fatalf("stopped clock subscribed %d ticks", o.PendingTicks())
	}

	k.RunUntil(10 * time.Microsecond)
	if got := c.UpdateAndGetLocalTime(); got != 0 {
		t.Fatalf("stopped clock advanced to %v", got)
	}

	var drifts []float64
	c.SubscribeConfigChanges(&ConfigFuncs{DriftChange: func(_ *Clock, oldDrift, newDrift float64) {
		drifts = append(drifts, oldDrift, newDrift)
	}})
	if err := c.SetDriftRate(0); err != nil {
		t.Fatalf("SetDriftRate: %v", err)
	}
	_ = k.Run(t.Context())

	if len(r.kernel) != 1 || r.kernel[0] != 15*time.Microsecond {
		t.Fatalf("fired at %v, want [15us]", r.kernel)
	}
	if fmt.Sprint(drifts) != "[-1e+06 0]" {
		t.Errorf("drift notifications = %v", drifts)
	}
}

func TestClockFollowsOscillatorFrequencyChange(t *testing.T) {
	k, o, c := newTestClock(t, 1e6)
	r := newTSRecorder("r", k, nil)

	var rates []float64
	c.SubscribeConfigChanges(&ConfigFuncs{RateChange: func(_ *Clock, oldRate, newRate float64) {
		rates = append(rates, oldRate, newRate)
	}})

	c.SubscribeTimestamp(r, 10*time.Microsecond, 0)
	k.RunUntil(4 * time.Microsecond)
	if err := o.SetFrequency(2e6); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	if got := c.UpdateAndGetLocalTime(); got != 4*time.Microsecond {
		t.Fatalf("local time after change = %v, want 4us", got)
	}

	_ = k.Run(t.Context())
	if len(r.kernel) != 1 || r.kernel[0] != 10*time.Microsecond || r.local[0] != 10*time.Microsecond {
		t.Fatalf("fired kernel=%v local=%v, want 10us/10us", r.kernel, r.local)
	}
	if fmt.Sprint(rates) != "[1e+06 2e+06]" {
		t.Errorf("rate notifications = %v", rates)
	}
}

func TestClockOneTickDeltaAtFractionalInterval(t *testing.T) {
	k, _, c := newTestClock(t, 7e6)
	if got := c.TickInterval(); got != 143 {
		t.Fatalf("TickInterval() = %v, want 143ns", got)
	}
	if got := c.TickIntervalNs(); math.Abs(got-1e9/7e6) > 1e-9 {
		t.Fatalf("TickIntervalNs() = %v", got)
	}

	r := newTSRecorder("one", k, nil)
	c.SubscribeDelta(r, c.TickInterval(), 0)
	k.RunUntil(time.Microsecond)

	if len(r.kernel) != 1 {
		t.Fatalf("fired %d times, want 1", len(r.kernel))
	}
	// tick 1 lands at 143ns kernel time, tick 2 at 286ns
	if r.kernel[0] != 143 {
		t.Fatalf("one tick delta fired at kernel %v, want 143ns", r.kernel[0])
	}
	if len(r.late) != 0 {
		t.Fatalf("late: %v", r.late)
	}
}
