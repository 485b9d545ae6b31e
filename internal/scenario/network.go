/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/datagram"
	"github.com/friendsincode/tsngate/internal/events"
	"github.com/friendsincode/tsngate/internal/gate"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
	"github.com/friendsincode/tsngate/internal/telemetry"
)

// Options wires a built network into the rest of the process. Every field
// is optional.
type Options struct {
	// Bus receives state changes, cycle starts, config changes, clock
	// changes and datagrams.
	Bus *events.Bus
	// Observers are attached to every manager.
	Observers []scheduler.Observer
	// Sink receives datagrams after they are published on Bus.
	Sink datagram.Sink
	// TraceContext parents the spans of timed changes.
	TraceContext context.Context
}

// StateChange is one oper state assignment seen by Network.Watch.
type StateChange struct {
	At        time.Duration // kernel time
	LocalTime time.Duration
	Manager   string
	From      string
	To        string
}

// ClockStatus describes one clock.
type ClockStatus struct {
	Name          string  `json:"name"`
	Oscillator    string  `json:"oscillator"`
	LocalTimeNs   int64   `json:"local_time_ns"`
	FrequencyHz   float64 `json:"frequency_hz"`
	DriftHz       float64 `json:"drift_hz"`
	EffectiveRate float64 `json:"effective_rate"`
	Stopped       bool    `json:"stopped"`
}

// managerHandle erases the value type of a manager.
type managerHandle interface {
	Name() string
	Snapshot() scheduler.Snapshot
	SetEnabled(bool)
	Clock() *clock.Clock
}

// Network is a built scenario. Except for the name lookups, its methods
// must run on the kernel goroutine.
type Network struct {
	Name     string
	Duration time.Duration
	Kernel   *sim.Kernel

	oscillators map[string]*clock.Oscillator
	clocks      map[string]*clock.Clock
	clockOsc    map[string]string
	ports       map[string]*gate.Port
	senders     map[string]*datagram.ScheduleManager
	generators  map[string]*datagram.Generator
	managers    map[string]managerHandle
	order       []string

	file   *File
	opts   Options
	logger zerolog.Logger
}

// Build constructs every oscillator, clock, port and generator of f on k and
// schedules the timed changes. f must have passed Validate.
func Build(f *File, k *sim.Kernel, logger zerolog.Logger, opts Options) (*Network, error) {
	n := &Network{
		Name:        f.Name,
		Duration:    f.Duration,
		Kernel:      k,
		oscillators: make(map[string]*clock.Oscillator),
		clocks:      make(map[string]*clock.Clock),
		clockOsc:    make(map[string]string),
		ports:       make(map[string]*gate.Port),
		senders:     make(map[string]*datagram.ScheduleManager),
		generators:  make(map[string]*datagram.Generator),
		managers:    make(map[string]managerHandle),
		file:        f,
		opts:        opts,
		logger:      logger.With().Str("component", "scenario").Str("scenario", f.Name).Logger(),
	}

	for _, o := range f.Oscillators {
		osc, err := clock.NewOscillator(k, o.FrequencyHz, logger.With().Str("oscillator", o.Name).Logger())
		if err != nil {
			return nil, fmt.Errorf("oscillator %q: %w", o.Name, err)
		}
		n.oscillators[o.Name] = osc
	}

	for _, c := range f.Clocks {
		clk, err := clock.NewClock(n.oscillators[c.Oscillator], logger.With().Str("clock", c.Name).Logger(),
			clock.WithDriftRate(c.DriftHz), clock.WithInitialTime(c.InitialTime))
		if err != nil {
			return nil, fmt.Errorf("clock %q: %w", c.Name, err)
		}
		n.clocks[c.Name] = clk
		n.clockOsc[c.Name] = c.Oscillator
		if opts.Bus != nil {
			events.BridgeClock(opts.Bus, c.Name, clk)
		}
	}

	managerOpts := n.managerOptions()

	for _, p := range f.Ports {
		cfg, err := portConfig(p)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", p.Name, err)
		}
		portOpts := []gate.PortOption{gate.WithManagerOptions(managerOpts...)}
		if p.HistoryLimit > 0 {
			portOpts = append(portOpts, gate.WithHistoryLimit(p.HistoryLimit))
		}
		port, err := gate.NewPort(p.Name, k, n.clocks[p.Clock], cfg, logger, portOpts...)
		if err != nil {
			return nil, err
		}
		n.ports[p.Name] = port
		n.managers[p.Name] = port.Manager()
		if opts.Bus != nil {
			events.BridgeStates(opts.Bus, port.Manager().Manager, events.EventGateStateChanged)
		}
	}

	for _, g := range f.Generators {
		cfg, err := generatorConfig(g)
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", g.Name, err)
		}
		m, err := datagram.NewScheduleManager(g.Name, k, n.clocks[g.Clock], cfg, gate.DefaultCycle, logger, managerOpts...)
		if err != nil {
			return nil, err
		}
		sink := opts.Sink
		if opts.Bus != nil {
			sink = events.DatagramSink(opts.Bus, opts.Sink)
			events.BridgeStates(opts.Bus, m.Manager, events.EventStateChanged)
		}
		n.senders[g.Name] = m
		n.generators[g.Name] = datagram.NewGenerator(m, sink, logger)
		n.managers[g.Name] = m
	}

	for name := range n.managers {
		n.order = append(n.order, name)
	}
	sort.Strings(n.order)

	for i, c := range f.Changes {
		apply, err := n.compileChange(c)
		if err != nil {
			return nil, fmt.Errorf("changes[%d]: %w", i, err)
		}
		k.ScheduleAt(c.At, "scenario "+string(c.Action)+" "+c.Target, func() {
			err := apply()
			telemetry.RecordChange(n.traceContext(), string(c.Action), c.Target, k.Now(), n.localTimeOf(c.Target), err)
			if err != nil {
				n.logger.Error().Err(err).
					Str("action", string(c.Action)).
					Str("target", c.Target).
					Msg("scenario change failed")
				return
			}
			n.logger.Info().
				Str("action", string(c.Action)).
				Str("target", c.Target).
				Dur("at", c.At).
				Msg("scenario change applied")
		})
	}

	n.logger.Info().
		Int("oscillators", len(n.oscillators)).
		Int("clocks", len(n.clocks)).
		Int("ports", len(n.ports)).
		Int("generators", len(n.generators)).
		Int("changes", len(f.Changes)).
		Msg("scenario built")
	return n, nil
}

func (n *Network) managerOptions() []scheduler.Option {
	var out []scheduler.Option
	if n.opts.Bus != nil {
		out = append(out, scheduler.WithObserver(events.NewRecorder(n.opts.Bus)))
	}
	for _, obs := range n.opts.Observers {
		out = append(out, scheduler.WithObserver(obs))
	}
	return out
}

func portConfig(p PortDef) (gate.Config, error) {
	cfg := gate.DefaultConfig()
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.AdminState != nil {
		cfg.AdminState = *p.AdminState
	}
	if p.Schedule != nil {
		s, _, err := p.Schedule.Build()
		if err != nil {
			return cfg, err
		}
		cfg.AdminSchedule = s
	}
	return cfg, nil
}

func generatorConfig(g GeneratorDef) (datagram.Config, error) {
	cfg := datagram.Config{Enabled: true}
	if g.Enabled != nil {
		cfg.Enabled = *g.Enabled
	}
	if g.Schedule != nil {
		s, _, err := g.Schedule.Build()
		if err != nil {
			return cfg, err
		}
		cfg.AdminSchedule = s
	}
	return cfg, nil
}

func (n *Network) traceContext() context.Context {
	if n.opts.TraceContext != nil {
		return n.opts.TraceContext
	}
	return context.Background()
}

// localTimeOf returns the local time of the clock target is or runs on, or
// -1 for oscillators.
func (n *Network) localTimeOf(target string) time.Duration {
	if c, ok := n.clocks[target]; ok {
		return c.UpdateAndGetLocalTime()
	}
	if m, ok := n.managers[target]; ok {
		return m.Clock().UpdateAndGetLocalTime()
	}
	return -1
}

// compileChange resolves a change against the built network. Schedules are
// built here so that errors surface before the run starts.
func (n *Network) compileChange(c Change) (func() error, error) {
	switch c.Action {
	case ActionSetAdminSchedule:
		if port, ok := n.ports[c.Target]; ok {
			def, err := c.gateSchedule()
			if err != nil {
				return nil, err
			}
			s, _, err := def.Build()
			if err != nil {
				return nil, err
			}
			return func() error { return port.Manager().SetAdminSchedule(s) }, nil
		}
		if m, ok := n.senders[c.Target]; ok {
			def, err := c.sendSchedule()
			if err != nil {
				return nil, err
			}
			s, _, err := def.Build()
			if err != nil {
				return nil, err
			}
			return func() error { return m.SetAdminSchedule(s) }, nil
		}
	case ActionSetEnabled:
		if m, ok := n.managers[c.Target]; ok && c.Enabled != nil {
			enabled := *c.Enabled
			return func() error { m.SetEnabled(enabled); return nil }, nil
		}
	case ActionSetAdminState:
		if port, ok := n.ports[c.Target]; ok && c.AdminState != nil {
			v := *c.AdminState
			return func() error { port.Manager().SetAdminState(v); return nil }, nil
		}
	case ActionSetDrift:
		if clk, ok := n.clocks[c.Target]; ok && c.DriftHz != nil {
			hz := *c.DriftHz
			return func() error { return clk.SetDriftRate(hz) }, nil
		}
	case ActionSetTime:
		if clk, ok := n.clocks[c.Target]; ok && c.Time != nil {
			t := *c.Time
			return func() error { clk.SetLocalTime(t); return nil }, nil
		}
	case ActionSetFrequency:
		if osc, ok := n.oscillators[c.Target]; ok && c.FrequencyHz != nil {
			hz := *c.FrequencyHz
			return func() error { return osc.SetFrequency(hz) }, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot apply %s to %q", ErrInvalidScenario, c.Action, c.Target)
}

// ManagerNames returns the port and generator names in order.
func (n *Network) ManagerNames() []string {
	return append([]string(nil), n.order...)
}

// Port returns the named port.
func (n *Network) Port(name string) (*gate.Port, bool) {
	p, ok := n.ports[name]
	return p, ok
}

// Generator returns the named generator.
func (n *Network) Generator(name string) (*datagram.Generator, bool) {
	g, ok := n.generators[name]
	return g, ok
}

// Clock returns the named clock.
func (n *Network) Clock(name string) (*clock.Clock, bool) {
	c, ok := n.clocks[name]
	return c, ok
}

// Snapshot returns the state of the named manager.
func (n *Network) Snapshot(name string) (scheduler.Snapshot, bool) {
	m, ok := n.managers[name]
	if !ok {
		return scheduler.Snapshot{}, false
	}
	return m.Snapshot(), true
}

// Snapshots returns the state of every manager, ordered by name.
func (n *Network) Snapshots() []scheduler.Snapshot {
	out := make([]scheduler.Snapshot, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.managers[name].Snapshot())
	}
	return out
}

// Clocks returns the status of every clock, ordered by name.
func (n *Network) Clocks() []ClockStatus {
	names := make([]string, 0, len(n.clocks))
	for name := range n.clocks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ClockStatus, 0, len(names))
	for _, name := range names {
		c := n.clocks[name]
		out = append(out, ClockStatus{
			Name:          name,
			Oscillator:    n.clockOsc[name],
			LocalTimeNs:   c.UpdateAndGetLocalTime().Nanoseconds(),
			FrequencyHz:   c.Oscillator().Frequency(),
			DriftHz:       c.DriftRate(),
			EffectiveRate: c.EffectiveRate(),
			Stopped:       c.Stopped(),
		})
	}
	return out
}

// Watch calls fn for every oper state assignment of every manager.
func (n *Network) Watch(fn func(StateChange)) {
	for _, name := range n.order {
		switch m := n.managers[name].(type) {
		case *gate.ScheduleManager:
			watchManager(n.Kernel, m.Manager, fn)
		case *datagram.ScheduleManager:
			watchManager(n.Kernel, m.Manager, fn)
		}
	}
}

func watchManager[T comparable](k *sim.Kernel, m *scheduler.Manager[T], fn func(StateChange)) {
	m.SubscribeStateChanges(scheduler.NewStateFunc(func(from, to T) {
		fn(StateChange{
			At:        k.Now(),
			LocalTime: m.Clock().UpdateAndGetLocalTime(),
			Manager:   m.Name(),
			From:      fmt.Sprint(from),
			To:        fmt.Sprint(to),
		})
	}))
}

// RunUntil advances the kernel to t, or to the scenario duration when t is
// zero.
func (n *Network) RunUntil(t time.Duration) time.Duration {
	if t <= 0 {
		t = n.Duration
	}
	n.Kernel.RunUntil(t)
	return n.Kernel.Now()
}

// ManagerSchedules holds the admin and oper control lists of a manager.
type ManagerSchedules struct {
	Admin schedule.Exported `json:"admin"`
	Oper  schedule.Exported `json:"oper"`
}

// Schedules exports the control lists of the named manager.
func (n *Network) Schedules(name string) (ManagerSchedules, bool) {
	switch m := n.managers[name].(type) {
	case *gate.ScheduleManager:
		return ManagerSchedules{Admin: schedule.Export(m.AdminSchedule()), Oper: schedule.Export(m.OperSchedule())}, true
	case *datagram.ScheduleManager:
		return ManagerSchedules{Admin: schedule.Export(m.AdminSchedule()), Oper: schedule.Export(m.OperSchedule())}, true
	}
	return ManagerSchedules{}, false
}

// ForecastSegment is a projected oper state span in local clock time.
type ForecastSegment struct {
	StartNs int64  `json:"start_ns"`
	EndNs   int64  `json:"end_ns"`
	Value   string `json:"value"`
}

// Forecast projects the oper state of the named manager over horizon.
func (n *Network) Forecast(name string, horizon time.Duration) ([]ForecastSegment, bool) {
	switch m := n.managers[name].(type) {
	case *gate.ScheduleManager:
		return forecast(m.Manager, horizon), true
	case *datagram.ScheduleManager:
		return forecast(m.Manager, horizon), true
	}
	return nil, false
}

func forecast[T comparable](m *scheduler.Manager[T], horizon time.Duration) []ForecastSegment {
	out := []ForecastSegment{}
	m.WalkForecast(horizon, func(s scheduler.Segment[T]) bool {
		out = append(out, ForecastSegment{
			StartNs: s.Start.Nanoseconds(),
			EndNs:   s.End.Nanoseconds(),
			Value:   fmt.Sprint(s.Value),
		})
		return true
	})
	return out
}
