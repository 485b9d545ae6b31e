/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/datagram"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

const us = time.Microsecond

func drain(sub Subscriber) []Payload {
	var out []Payload
	for {
		select {
		case p := <-sub:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(EventConfigChange)
	b := bus.Subscribe(EventConfigChange)
	other := bus.Subscribe(EventCycleStart)

	if dropped := bus.Publish(EventConfigChange, Payload{"manager": "p0"}); dropped != 0 {
		t.Fatalf("dropped = %d", dropped)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Fatal("both subscribers should receive the payload")
	}
	if len(drain(other)) != 0 {
		t.Fatal("other event type received the payload")
	}

	bus.Unsubscribe(EventConfigChange, a)
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	bus.Unsubscribe(EventConfigChange, a) // second call is a no-op
	bus.Publish(EventConfigChange, Payload{})
	if len(drain(b)) != 1 {
		t.Fatal("remaining subscriber missed the payload")
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	var hooked int
	bus.OnDrop(func(et EventType, n int) {
		if et == EventCycleStart {
			hooked += n
		}
	})
	sub := bus.Subscribe(EventCycleStart)
	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(EventCycleStart, Payload{"i": i})
	}
	if dropped := bus.Publish(EventCycleStart, Payload{}); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if hooked != 1 {
		t.Fatalf("drop hook saw %d", hooked)
	}
	if got := len(drain(sub)); got != subscriberBuffer {
		t.Fatalf("received %d", got)
	}
}

func newTestClock(t *testing.T) (*sim.Kernel, *clock.Clock) {
	t.Helper()
	k := sim.NewKernel()
	osc, err := clock.NewOscillator(k, 1e9, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOscillator: %v", err)
	}
	c, err := clock.NewClock(osc, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return k, c
}

func TestRecorderAndBridges(t *testing.T) {
	k, c := newTestClock(t)
	bus := NewBus()
	states := bus.Subscribe(EventStateChanged)
	starts := bus.Subscribe(EventCycleStart)
	changes := bus.Subscribe(EventConfigChange)
	errs := bus.Subscribe(EventConfigError)
	jumps := bus.Subscribe(EventClockPhaseJump)

	s, _ := schedule.NewBuilder[string]().CycleTime(10*us).Add(5*us, "A").Add(5*us, "B").Build()
	m, err := scheduler.New("p0", k, c, "ADMIN", s, zerolog.Nop(), scheduler.WithObserver(NewRecorder(bus)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bridge := BridgeStates(bus, m, EventStateChanged)
	BridgeClock(bus, "c0", c)

	k.RunUntil(12 * us)
	got := drain(states)
	if len(got) != 4 {
		t.Fatalf("state events = %v", got)
	}
	if got[1]["to"] != "A" || got[2]["from"] != "A" || got[2]["local_time"] != int64(5000) {
		t.Errorf("state events = %v", got)
	}
	if n := len(drain(starts)); n != 2 {
		t.Errorf("cycle start events = %d, want 2", n)
	}

	// a base time in the past is an overrun while running
	if err := m.SetAdminSchedule(s); err != nil {
		t.Fatalf("SetAdminSchedule: %v", err)
	}
	k.RunUntil(25 * us)
	if e := drain(errs); len(e) != 1 || e[0]["config_change_time"] != int64(20000) {
		t.Errorf("config error events = %v", e)
	}
	if e := drain(changes); len(e) != 1 || e[0]["manager"] != "p0" {
		t.Errorf("config change events = %v", e)
	}

	c.SetLocalTime(100 * us)
	if e := drain(jumps); len(e) != 1 || e[0]["clock"] != "c0" || e[0]["new_time"] != int64(100000) {
		t.Errorf("phase jump events = %v", e)
	}

	bridge.Close()
	k.RunUntil(130 * us)
	if n := len(drain(states)); n != 0 {
		t.Errorf("closed bridge published %d events", n)
	}
}

func TestDatagramSink(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventDatagramScheduled)
	var forwarded int
	sink := DatagramSink(bus, func(datagram.Datagram) { forwarded++ })

	sink(datagram.Datagram{Seq: 3, At: 2 * us, Event: datagram.SendEvent{Destination: "h1", PayloadSize: 64}})

	got := drain(sub)
	if len(got) != 1 || got[0]["seq"] != uint64(3) || got[0]["payload_size"] != 64 {
		t.Fatalf("events = %v", got)
	}
	if forwarded != 1 {
		t.Fatalf("forwarded = %d", forwarded)
	}
}
