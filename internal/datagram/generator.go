/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package datagram

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Datagram is emitted for each executed send event with a payload.
type Datagram struct {
	FlowID uuid.UUID     `json:"flow_id"`
	Seq    uint64        `json:"seq"`
	At     time.Duration `json:"at_ns"`
	Event  SendEvent     `json:"event"`
}

// Sink receives generated datagrams on the kernel goroutine.
type Sink func(Datagram)

// Generator turns the oper states of a datagram manager into datagrams.
type Generator struct {
	manager *ScheduleManager
	flow    uuid.UUID
	sink    Sink
	seq     uint64
	bytes   uint64
	logger  zerolog.Logger
}

// NewGenerator attaches a generator to m. A nil sink only counts.
func NewGenerator(m *ScheduleManager, sink Sink, logger zerolog.Logger) *Generator {
	g := &Generator{
		manager: m,
		flow:    uuid.New(),
		sink:    sink,
	}
	g.logger = logger.With().
		Str("component", "datagram_generator").
		Str("manager", m.Name()).
		Str("flow_id", g.flow.String()).
		Logger()
	m.SubscribeStateChanges(g)
	return g
}

// FlowID identifies the datagrams of this generator.
func (g *Generator) FlowID() uuid.UUID { return g.flow }

// Sent returns the number of datagrams emitted.
func (g *Generator) Sent() uint64 { return g.seq }

// Bytes returns the total payload emitted.
func (g *Generator) Bytes() uint64 { return g.bytes }

// Detach stops the generator.
func (g *Generator) Detach() {
	g.manager.UnsubscribeStateChanges(g)
}

// OnStateChange implements scheduler.StateListener.
func (g *Generator) OnStateChange(_, to SendEvent) {
	if !to.Sends() {
		return
	}
	g.seq++
	g.bytes += uint64(to.PayloadSize)
	d := Datagram{
		FlowID: g.flow,
		Seq:    g.seq,
		At:     g.manager.Clock().UpdateAndGetLocalTime(),
		Event:  to,
	}
	g.logger.Debug().
		Uint64("seq", d.Seq).
		Dur("local_time", d.At).
		Str("destination", to.Destination).
		Int("payload_size", to.PayloadSize).
		Msg("datagram scheduled")
	if g.sink != nil {
		g.sink(d)
	}
}
