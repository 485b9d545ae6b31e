/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package gate drives the transmission gates of a port from a gate control
// list.
package gate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

// DefaultCycle is the cycle of the default schedule, one all-open entry.
const DefaultCycle = time.Millisecond

// Config holds the initial settings of a gate schedule manager.
type Config struct {
	AdminState    Bitvector
	AdminSchedule *schedule.Schedule[Bitvector]
	Enabled       bool
}

// DefaultConfig keeps every gate open.
func DefaultConfig() Config {
	return Config{
		AdminState:    AllOpen,
		AdminSchedule: schedule.DefaultSchedule(DefaultCycle, AllOpen),
		Enabled:       true,
	}
}

// ScheduleManager executes a gate control list.
type ScheduleManager struct {
	*scheduler.Manager[Bitvector]
	logger zerolog.Logger
}

// NewScheduleManager creates a gate schedule manager. A nil AdminSchedule
// in cfg falls back to the default schedule.
func NewScheduleManager(name string, k sim.Scheduler, c *clock.Clock, cfg Config, logger zerolog.Logger, opts ...scheduler.Option) (*ScheduleManager, error) {
	if cfg.AdminSchedule == nil {
		cfg.AdminSchedule = schedule.DefaultSchedule(DefaultCycle, AllOpen)
	}
	gl := logger.With().Str("component", "gate_schedule").Str("port", name).Logger()
	warnIfEmpty(gl, cfg.AdminSchedule)

	opts = append([]scheduler.Option{scheduler.WithEnabled(cfg.Enabled)}, opts...)
	m, err := scheduler.New(name, k, c, cfg.AdminState, cfg.AdminSchedule, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("gate schedule manager %q: %w", name, err)
	}
	return &ScheduleManager{Manager: m, logger: gl}, nil
}

// SetAdminSchedule installs s, warning when it has no entries.
func (m *ScheduleManager) SetAdminSchedule(s *schedule.Schedule[Bitvector]) error {
	if s != nil {
		warnIfEmpty(m.logger, s)
	}
	return m.Manager.SetAdminSchedule(s)
}

func warnIfEmpty(logger zerolog.Logger, s *schedule.Schedule[Bitvector]) {
	if s.IsEmpty() {
		logger.Warn().Dur("cycle_time", s.CycleTime()).Msg("loading a gate control list with no entries")
	}
}

// TimeUntilGateClose returns how long gate stays open from now, capped at
// maxLookahead. A closed gate yields 0. A disabled manager holds its oper
// state, so an open gate stays open for the whole lookahead.
func (m *ScheduleManager) TimeUntilGateClose(gate int, maxLookahead time.Duration) (time.Duration, error) {
	if gate < 0 || gate >= NumGates {
		return 0, fmt.Errorf("%w: %d", ErrInvalidGate, gate)
	}
	if maxLookahead < 0 {
		return 0, fmt.Errorf("%w: negative lookahead %v", scheduler.ErrInvalidConfiguration, maxLookahead)
	}
	if !m.OperState().Test(gate) || maxLookahead == 0 {
		return 0, nil
	}

	var open time.Duration
	m.WalkForecast(maxLookahead, func(s scheduler.Segment[Bitvector]) bool {
		if !s.Value.Test(gate) {
			return false
		}
		open += s.End - s.Start
		return true
	})
	return min(open, maxLookahead), nil
}
