/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"fmt"
	"time"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/datagram"
	"github.com/friendsincode/tsngate/internal/scheduler"
)

// Recorder publishes schedule manager events on a bus. It implements
// scheduler.Observer. All times are local clock times in nanoseconds.
type Recorder struct {
	bus *Bus
}

var _ scheduler.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder publishing to bus.
func NewRecorder(bus *Bus) *Recorder {
	return &Recorder{bus: bus}
}

// OperStateChanged is covered by StateBridge, which knows the values.
func (r *Recorder) OperStateChanged(string, int) {}

func (r *Recorder) CycleStarted(manager string, at time.Duration) {
	r.bus.Publish(EventCycleStart, Payload{
		"manager":    manager,
		"local_time": at.Nanoseconds(),
	})
}

func (r *Recorder) ConfigChanged(manager string, at time.Duration) {
	r.bus.Publish(EventConfigChange, Payload{
		"manager":            manager,
		"config_change_time": at.Nanoseconds(),
	})
}

func (r *Recorder) ConfigChangeFailed(manager string, requestedBase, chosen time.Duration) {
	r.bus.Publish(EventConfigError, Payload{
		"manager":            manager,
		"base_time":          requestedBase.Nanoseconds(),
		"config_change_time": chosen.Nanoseconds(),
	})
}

// StateBridge publishes the oper state values of one manager.
type StateBridge[T comparable] struct {
	bus       *Bus
	manager   *scheduler.Manager[T]
	eventType EventType
}

// BridgeStates subscribes a bridge to m. Values are published with
// fmt.Sprint under eventType.
func BridgeStates[T comparable](bus *Bus, m *scheduler.Manager[T], eventType EventType) *StateBridge[T] {
	b := &StateBridge[T]{bus: bus, manager: m, eventType: eventType}
	m.SubscribeStateChanges(b)
	return b
}

// Close unsubscribes the bridge.
func (b *StateBridge[T]) Close() {
	b.manager.UnsubscribeStateChanges(b)
}

// OnStateChange implements scheduler.StateListener.
func (b *StateBridge[T]) OnStateChange(from, to T) {
	b.bus.Publish(b.eventType, Payload{
		"manager":      b.manager.Name(),
		"local_time":   b.manager.Clock().UpdateAndGetLocalTime().Nanoseconds(),
		"from":         fmt.Sprint(from),
		"to":           fmt.Sprint(to),
		"list_pointer": b.manager.ListPointer(),
	})
}

// ClockBridge publishes configuration changes of a named clock.
type ClockBridge struct {
	bus  *Bus
	name string
}

var _ clock.ConfigListener = (*ClockBridge)(nil)

// BridgeClock subscribes a bridge to c.
func BridgeClock(bus *Bus, name string, c *clock.Clock) *ClockBridge {
	b := &ClockBridge{bus: bus, name: name}
	c.SubscribeConfigChanges(b)
	return b
}

func (b *ClockBridge) OnClockRateChange(_ *clock.Clock, oldRate, newRate float64) {
	b.bus.Publish(EventClockRateChange, Payload{"clock": b.name, "old_rate": oldRate, "new_rate": newRate})
}

func (b *ClockBridge) OnDriftRateChange(_ *clock.Clock, oldDrift, newDrift float64) {
	b.bus.Publish(EventClockDrift, Payload{"clock": b.name, "old_drift": oldDrift, "new_drift": newDrift})
}

func (b *ClockBridge) OnPhaseJump(_ *clock.Clock, oldTime, newTime time.Duration) {
	b.bus.Publish(EventClockPhaseJump, Payload{
		"clock":    b.name,
		"old_time": oldTime.Nanoseconds(),
		"new_time": newTime.Nanoseconds(),
	})
}

// DatagramSink publishes each datagram before handing it to next, which may
// be nil.
func DatagramSink(bus *Bus, next datagram.Sink) datagram.Sink {
	return func(d datagram.Datagram) {
		bus.Publish(EventDatagramScheduled, Payload{
			"flow_id":      d.FlowID.String(),
			"seq":          d.Seq,
			"local_time":   d.At.Nanoseconds(),
			"destination":  d.Event.Destination,
			"pcp":          d.Event.PCP,
			"vid":          d.Event.VID,
			"payload_size": d.Event.PayloadSize,
		})
		if next != nil {
			next(d)
		}
	}
}
