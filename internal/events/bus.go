/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events is the in-process publish/subscribe bus for engine events.
package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventGateStateChanged  EventType = "gate.state_changed"
	EventDatagramScheduled EventType = "datagram.scheduled"
	EventCycleStart        EventType = "schedule.cycle_start"
	EventConfigChange      EventType = "schedule.config_change"
	EventConfigError       EventType = "schedule.config_error"
	EventStateChanged      EventType = "schedule.state_changed"

	// Clock configuration events
	EventClockPhaseJump  EventType = "clock.phase_jump"
	EventClockRateChange EventType = "clock.rate_change"
	EventClockDrift      EventType = "clock.drift_change"

	EventScenarioReloaded EventType = "scenario.reloaded"
)

// AllEventTypes lists every event type, for subscribers that forward
// everything.
var AllEventTypes = []EventType{
	EventGateStateChanged,
	EventDatagramScheduled,
	EventCycleStart,
	EventConfigChange,
	EventConfigError,
	EventStateChanged,
	EventClockPhaseJump,
	EventClockRateChange,
	EventClockDrift,
	EventScenarioReloaded,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// subscriberBuffer is the channel capacity of a subscriber. Publish drops
// payloads for subscribers that are full.
const subscriberBuffer = 256

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]Subscriber
	onDrop func(EventType, int)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers and returns how many of them were
// full and missed it.
func (b *Bus) Publish(eventType EventType, payload Payload) (dropped int) {
	// sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.onDrop != nil {
		b.onDrop(eventType, dropped)
	}
	return dropped
}

// OnDrop installs a hook called whenever Publish drops payloads.
func (b *Bus) OnDrop(fn func(eventType EventType, dropped int)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}
