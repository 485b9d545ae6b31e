/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus exports engine events to external message brokers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/tsngate/internal/events"
)

// ErrCircuitOpen is returned while an exporter is backing off after
// repeated failures.
var ErrCircuitOpen = errors.New("exporter circuit open")

// Exporter delivers events outside the process.
type Exporter interface {
	Export(ctx context.Context, eventType events.EventType, payload events.Payload) error
	Close() error
}

// message is the JSON document published for every event.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

// marshalMessage converts payload to the published message format.
func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	msg := message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	}
	return json.Marshal(msg)
}

// unmarshalMessage parses a published message.
func unmarshalMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	return &msg, nil
}

// subjectFor returns the channel or subject an event is published on.
func subjectFor(prefix string, eventType events.EventType) string {
	if prefix == "" {
		return string(eventType)
	}
	return prefix + "." + string(eventType)
}

// breaker opens after maxFails consecutive failures and lets one attempt
// through every retryAfter.
type breaker struct {
	mu         sync.Mutex
	maxFails   int
	retryAfter time.Duration
	failCount  int
	open       bool
	openedAt   time.Time
	now        func() time.Time
}

func newBreaker(maxFails int, retryAfter time.Duration) *breaker {
	if maxFails <= 0 {
		maxFails = 5
	}
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	return &breaker{maxFails: maxFails, retryAfter: retryAfter, now: time.Now}
}

// allow reports whether an attempt may be made.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.retryAfter {
		b.openedAt = b.now()
		return true
	}
	return false
}

// record notes the outcome of an attempt and reports whether the breaker
// just opened.
func (b *breaker) record(err error) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failCount = 0
		b.open = false
		return false
	}
	b.failCount++
	if b.failCount >= b.maxFails && !b.open {
		b.open = true
		b.openedAt = b.now()
		return true
	}
	return false
}
