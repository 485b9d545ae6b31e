/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scenario loads network descriptions from YAML and builds them on a
// simulation kernel.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/tsngate/internal/datagram"
	"github.com/friendsincode/tsngate/internal/gate"
	"github.com/friendsincode/tsngate/internal/schedule"
)

// ErrInvalidScenario is wrapped by every validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// Action names a timed change.
type Action string

const (
	ActionSetAdminSchedule Action = "set_admin_schedule"
	ActionSetEnabled       Action = "set_enabled"
	ActionSetAdminState    Action = "set_admin_state"
	ActionSetDrift         Action = "set_drift"
	ActionSetFrequency     Action = "set_frequency"
	ActionSetTime          Action = "set_time"
)

// File is a scenario document. Durations are Go duration strings.
type File struct {
	Name        string          `yaml:"name"`
	Duration    time.Duration   `yaml:"duration"`
	Oscillators []OscillatorDef `yaml:"oscillators"`
	Clocks      []ClockDef      `yaml:"clocks"`
	Ports       []PortDef       `yaml:"ports"`
	Generators  []GeneratorDef  `yaml:"generators"`
	Changes     []Change        `yaml:"changes"`
}

type OscillatorDef struct {
	Name        string  `yaml:"name"`
	FrequencyHz float64 `yaml:"frequency_hz"`
}

type ClockDef struct {
	Name        string        `yaml:"name"`
	Oscillator  string        `yaml:"oscillator"`
	DriftHz     float64       `yaml:"drift_hz"`
	InitialTime time.Duration `yaml:"initial_time"`
}

// PortDef describes a port with eight transmission gates. Enabled defaults
// to true and AdminState to all gates open.
type PortDef struct {
	Name         string          `yaml:"name"`
	Clock        string          `yaml:"clock"`
	Enabled      *bool           `yaml:"enabled"`
	AdminState   *gate.Bitvector `yaml:"admin_state"`
	HistoryLimit int             `yaml:"history_limit"`
	Schedule     *GateSchedule   `yaml:"schedule"`
}

type GeneratorDef struct {
	Name     string        `yaml:"name"`
	Clock    string        `yaml:"clock"`
	Enabled  *bool         `yaml:"enabled"`
	Schedule *SendSchedule `yaml:"schedule"`
}

// ScheduleTiming holds the cycle parameters shared by both schedule kinds.
type ScheduleTiming struct {
	BaseTime           time.Duration `yaml:"base_time"`
	CycleTime          time.Duration `yaml:"cycle_time"`
	CycleTimeExtension time.Duration `yaml:"cycle_time_extension"`
}

type GateSchedule struct {
	ScheduleTiming `yaml:",inline"`
	Entries        []GateEntry `yaml:"entries"`
}

type GateEntry struct {
	Duration time.Duration  `yaml:"duration"`
	Gates    gate.Bitvector `yaml:"gates"`
}

type SendSchedule struct {
	ScheduleTiming `yaml:",inline"`
	Entries        []SendEntry `yaml:"entries"`
}

type SendEntry struct {
	Duration           time.Duration `yaml:"duration"`
	datagram.SendEvent `yaml:",inline"`
}

// Change is applied at virtual time At. Target names a port or generator for
// the schedule actions, a clock for set_drift and set_time, and an
// oscillator for set_frequency. Schedule is decoded according to the kind of
// target.
type Change struct {
	At          time.Duration   `yaml:"at"`
	Target      string          `yaml:"target"`
	Action      Action          `yaml:"action"`
	Schedule    yaml.Node       `yaml:"schedule"`
	Enabled     *bool           `yaml:"enabled"`
	AdminState  *gate.Bitvector `yaml:"admin_state"`
	DriftHz     *float64        `yaml:"drift_hz"`
	FrequencyHz *float64        `yaml:"frequency_hz"`
	Time        *time.Duration  `yaml:"time"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names, references and schedule parameters. All problems
// are reported together.
func (f *File) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if f.Duration < 0 {
		add("duration %v is negative", f.Duration)
	}

	oscillators := make(map[string]bool, len(f.Oscillators))
	for i, o := range f.Oscillators {
		switch {
		case o.Name == "":
			add("oscillators[%d]: name is required", i)
		case oscillators[o.Name]:
			add("oscillator %q defined twice", o.Name)
		}
		if !(o.FrequencyHz > 0) {
			add("oscillator %q: frequency_hz must be positive", o.Name)
		}
		oscillators[o.Name] = true
	}

	clocks := make(map[string]bool, len(f.Clocks))
	for i, c := range f.Clocks {
		switch {
		case c.Name == "":
			add("clocks[%d]: name is required", i)
		case clocks[c.Name]:
			add("clock %q defined twice", c.Name)
		}
		if !oscillators[c.Oscillator] {
			add("clock %q: unknown oscillator %q", c.Name, c.Oscillator)
		}
		clocks[c.Name] = true
	}

	managers := make(map[string]string)
	claim := func(kind, name string, i int) {
		if name == "" {
			add("%ss[%d]: name is required", kind, i)
			return
		}
		if prev, ok := managers[name]; ok {
			add("%s %q: name already used by a %s", kind, name, prev)
			return
		}
		managers[name] = kind
	}
	for i, p := range f.Ports {
		claim("port", p.Name, i)
		if !clocks[p.Clock] {
			add("port %q: unknown clock %q", p.Name, p.Clock)
		}
		if p.HistoryLimit < 0 {
			add("port %q: history_limit must not be negative", p.Name)
		}
		if p.Schedule != nil {
			if err := p.Schedule.check(); err != nil {
				add("port %q: %v", p.Name, err)
			}
		}
	}
	for i, g := range f.Generators {
		claim("generator", g.Name, i)
		if !clocks[g.Clock] {
			add("generator %q: unknown clock %q", g.Name, g.Clock)
		}
		if g.Schedule != nil {
			if err := g.Schedule.check(); err != nil {
				add("generator %q: %v", g.Name, err)
			}
		}
	}

	for i, c := range f.Changes {
		if err := f.checkChange(c, managers, clocks, oscillators); err != nil {
			add("changes[%d] (%s %s): %v", i, c.Action, c.Target, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, strings.Join(problems, "; "))
	}
	return nil
}

func (f *File) checkChange(c Change, managers map[string]string, clocks, oscillators map[string]bool) error {
	if c.At < 0 {
		return fmt.Errorf("at %v is negative", c.At)
	}
	switch c.Action {
	case ActionSetAdminSchedule:
		switch managers[c.Target] {
		case "port":
			s, err := c.gateSchedule()
			if err != nil {
				return err
			}
			return s.check()
		case "generator":
			s, err := c.sendSchedule()
			if err != nil {
				return err
			}
			return s.check()
		}
		return fmt.Errorf("unknown port or generator")
	case ActionSetEnabled:
		if managers[c.Target] == "" {
			return fmt.Errorf("unknown port or generator")
		}
		if c.Enabled == nil {
			return fmt.Errorf("enabled is required")
		}
	case ActionSetAdminState:
		if managers[c.Target] != "port" {
			return fmt.Errorf("unknown port")
		}
		if c.AdminState == nil {
			return fmt.Errorf("admin_state is required")
		}
	case ActionSetDrift:
		if !clocks[c.Target] {
			return fmt.Errorf("unknown clock")
		}
		if c.DriftHz == nil {
			return fmt.Errorf("drift_hz is required")
		}
	case ActionSetTime:
		if !clocks[c.Target] {
			return fmt.Errorf("unknown clock")
		}
		if c.Time == nil {
			return fmt.Errorf("time is required")
		}
	case ActionSetFrequency:
		if !oscillators[c.Target] {
			return fmt.Errorf("unknown oscillator")
		}
		if c.FrequencyHz == nil || !(*c.FrequencyHz > 0) {
			return fmt.Errorf("frequency_hz must be positive")
		}
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

func (c Change) gateSchedule() (*GateSchedule, error) {
	if c.Schedule.Kind == 0 {
		return nil, fmt.Errorf("schedule is required")
	}
	var s GateSchedule
	if err := c.Schedule.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &s, nil
}

func (c Change) sendSchedule() (*SendSchedule, error) {
	if c.Schedule.Kind == 0 {
		return nil, fmt.Errorf("schedule is required")
	}
	var s SendSchedule
	if err := c.Schedule.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &s, nil
}

func (t ScheduleTiming) check() error {
	if t.CycleTime <= 0 {
		return fmt.Errorf("cycle_time must be positive")
	}
	if t.CycleTimeExtension < 0 {
		return fmt.Errorf("cycle_time_extension must not be negative")
	}
	return nil
}

func (s *GateSchedule) check() error {
	if err := s.ScheduleTiming.check(); err != nil {
		return err
	}
	for i, e := range s.Entries {
		if e.Duration < 0 {
			return fmt.Errorf("entry %d: duration must not be negative", i)
		}
	}
	return nil
}

func (s *SendSchedule) check() error {
	if err := s.ScheduleTiming.check(); err != nil {
		return err
	}
	for i, e := range s.Entries {
		if e.Duration < 0 {
			return fmt.Errorf("entry %d: duration must not be negative", i)
		}
		if e.PayloadSize < 0 {
			return fmt.Errorf("entry %d: payload_size must not be negative", i)
		}
	}
	return nil
}

// Build returns the gate control list. Builder warnings are returned
// alongside.
func (s *GateSchedule) Build() (*schedule.Schedule[gate.Bitvector], []string, error) {
	b := schedule.NewBuilder[gate.Bitvector]().
		BaseTime(s.BaseTime).
		CycleTime(s.CycleTime).
		CycleTimeExtension(s.CycleTimeExtension)
	for _, e := range s.Entries {
		b.Add(e.Duration, e.Gates)
	}
	out, err := b.Build()
	return out, b.Warnings(), err
}

// Build returns the send list.
func (s *SendSchedule) Build() (*schedule.Schedule[datagram.SendEvent], []string, error) {
	b := schedule.NewBuilder[datagram.SendEvent]().
		BaseTime(s.BaseTime).
		CycleTime(s.CycleTime).
		CycleTimeExtension(s.CycleTimeExtension)
	for _, e := range s.Entries {
		b.Add(e.Duration, e.SendEvent)
	}
	out, err := b.Build()
	return out, b.Warnings(), err
}
