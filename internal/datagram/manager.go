/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package datagram schedules the transmission of datagrams by a talker.
package datagram

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

// SendEvent describes one datagram to send. A zero payload size means
// nothing is sent.
type SendEvent struct {
	Destination string `json:"destination" yaml:"destination"`
	PCP         uint8  `json:"pcp" yaml:"pcp"`
	VID         uint16 `json:"vid" yaml:"vid"`
	PayloadSize int    `json:"payload_size" yaml:"payload_size"`
}

// Idle is the admin state of a datagram manager: send nothing.
var Idle = SendEvent{}

// Sends reports whether the event produces a datagram.
func (e SendEvent) Sends() bool { return e.PayloadSize > 0 }

func (e SendEvent) String() string {
	if !e.Sends() {
		return "idle"
	}
	return fmt.Sprintf("%s pcp=%d vid=%d %dB", e.Destination, e.PCP, e.VID, e.PayloadSize)
}

// Config holds the initial settings of a datagram schedule manager.
type Config struct {
	AdminSchedule *schedule.Schedule[SendEvent]
	Enabled       bool
}

// ScheduleManager executes a list of send events.
type ScheduleManager struct {
	*scheduler.Manager[SendEvent]
}

// NewScheduleManager creates a datagram schedule manager with the idle
// admin state. A nil AdminSchedule sends nothing for cycles of defaultCycle.
func NewScheduleManager(name string, k sim.Scheduler, c *clock.Clock, cfg Config, defaultCycle time.Duration, logger zerolog.Logger, opts ...scheduler.Option) (*ScheduleManager, error) {
	s := cfg.AdminSchedule
	if s == nil {
		s = schedule.DefaultSchedule(defaultCycle, Idle)
	}
	opts = append([]scheduler.Option{scheduler.WithEnabled(cfg.Enabled)}, opts...)
	m, err := scheduler.New(name, k, c, Idle, s, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("datagram schedule manager %q: %w", name, err)
	}
	return &ScheduleManager{Manager: m}, nil
}
