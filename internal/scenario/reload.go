/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scenario

import (
	"context"
	"fmt"
	"reflect"

	"github.com/friendsincode/tsngate/internal/datagram"
	"github.com/friendsincode/tsngate/internal/events"
	"github.com/friendsincode/tsngate/internal/gate"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/telemetry"
)

// ReloadResult lists what a reload changed.
type ReloadResult struct {
	Updated []string // managers whose schedule, enabled flag or admin state changed
	Ignored []string // differences that need a restart
}

// Reload applies the parts of f that can change while running: port and
// generator schedules, enabled flags and port admin states. Topology
// changes are reported in Ignored. Timed changes are not rescheduled.
// Every schedule is built before anything is applied, so a failed reload
// leaves the network and its recorded file untouched.
func (n *Network) Reload(ctx context.Context, f *File) (res ReloadResult, err error) {
	_, span := telemetry.StartReload(ctx, f.Name, n.Kernel.Now())
	defer func() { telemetry.EndReload(span, res.Updated, res.Ignored, err) }()

	if err := f.Validate(); err != nil {
		return ReloadResult{}, err
	}
	steps, res, err := n.planReload(f)
	if err != nil {
		return ReloadResult{}, err
	}
	for _, apply := range steps {
		apply()
	}

	n.file = f
	n.Duration = f.Duration
	if n.opts.Bus != nil && len(res.Updated) > 0 {
		n.opts.Bus.Publish(events.EventScenarioReloaded, events.Payload{
			"scenario": f.Name,
			"updated":  res.Updated,
			"ignored":  res.Ignored,
		})
	}
	n.logger.Info().
		Strs("updated", res.Updated).
		Strs("ignored", res.Ignored).
		Msg("scenario reloaded")
	return res, nil
}

// planReload diffs f against the current file and returns the updates to
// apply. It has no side effects.
func (n *Network) planReload(f *File) ([]func(), ReloadResult, error) {
	var (
		res   ReloadResult
		steps []func()
	)
	oldPorts := make(map[string]PortDef, len(n.file.Ports))
	for _, p := range n.file.Ports {
		oldPorts[p.Name] = p
	}
	oldGens := make(map[string]GeneratorDef, len(n.file.Generators))
	for _, g := range n.file.Generators {
		oldGens[g.Name] = g
	}

	if !reflect.DeepEqual(n.file.Oscillators, f.Oscillators) {
		res.Ignored = append(res.Ignored, "oscillators")
	}
	if !reflect.DeepEqual(n.file.Clocks, f.Clocks) {
		res.Ignored = append(res.Ignored, "clocks")
	}

	for _, p := range f.Ports {
		old, ok := oldPorts[p.Name]
		delete(oldPorts, p.Name)
		if !ok || old.Clock != p.Clock {
			res.Ignored = append(res.Ignored, "port "+p.Name)
			continue
		}
		step, err := n.planPort(old, p)
		if err != nil {
			return nil, ReloadResult{}, err
		}
		if step != nil {
			steps = append(steps, step)
			res.Updated = append(res.Updated, p.Name)
		}
	}
	for name := range oldPorts {
		res.Ignored = append(res.Ignored, "port "+name)
	}

	for _, g := range f.Generators {
		old, ok := oldGens[g.Name]
		delete(oldGens, g.Name)
		if !ok || old.Clock != g.Clock {
			res.Ignored = append(res.Ignored, "generator "+g.Name)
			continue
		}
		step, err := n.planGenerator(old, g)
		if err != nil {
			return nil, ReloadResult{}, err
		}
		if step != nil {
			steps = append(steps, step)
			res.Updated = append(res.Updated, g.Name)
		}
	}
	for name := range oldGens {
		res.Ignored = append(res.Ignored, "generator "+name)
	}
	return steps, res, nil
}

// planPort returns nil when p matches old and the running port.
func (n *Network) planPort(old, p PortDef) (func(), error) {
	m := n.ports[p.Name].Manager()

	var s *schedule.Schedule[gate.Bitvector]
	if !reflect.DeepEqual(old.Schedule, p.Schedule) {
		cfg, err := portConfig(p)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", p.Name, err)
		}
		s = cfg.AdminSchedule
	}
	stateChanged := !reflect.DeepEqual(old.AdminState, p.AdminState)
	state := gate.AllOpen
	if p.AdminState != nil {
		state = *p.AdminState
	}
	enabled := p.Enabled == nil || *p.Enabled
	toggle := enabled != m.Enabled()

	if s == nil && !stateChanged && !toggle {
		return nil, nil
	}
	return func() {
		if s != nil {
			n.setSchedule(p.Name, func() error { return m.SetAdminSchedule(s) })
		}
		if stateChanged {
			m.SetAdminState(state)
		}
		if toggle {
			m.SetEnabled(enabled)
		}
	}, nil
}

// planGenerator returns nil when g matches old and the running generator.
func (n *Network) planGenerator(old, g GeneratorDef) (func(), error) {
	m := n.senders[g.Name]

	var s *schedule.Schedule[datagram.SendEvent]
	if !reflect.DeepEqual(old.Schedule, g.Schedule) {
		cfg, err := generatorConfig(g)
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", g.Name, err)
		}
		if s = cfg.AdminSchedule; s == nil {
			s = defaultSendSchedule()
		}
	}
	enabled := g.Enabled == nil || *g.Enabled
	toggle := enabled != m.Enabled()

	if s == nil && !toggle {
		return nil, nil
	}
	return func() {
		if s != nil {
			n.setSchedule(g.Name, func() error { return m.SetAdminSchedule(s) })
		}
		if toggle {
			m.SetEnabled(enabled)
		}
	}, nil
}

// setSchedule installs a schedule that was already built from a validated
// file, so a rejection here is logged rather than returned.
func (n *Network) setSchedule(name string, set func() error) {
	if err := set(); err != nil {
		n.logger.Error().Err(err).Str("manager", name).Msg("reloaded schedule rejected")
	}
}

func defaultSendSchedule() *schedule.Schedule[datagram.SendEvent] {
	return schedule.DefaultSchedule(gate.DefaultCycle, datagram.Idle)
}
