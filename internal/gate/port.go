/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

// DefaultHistoryLimit is the number of transitions a gate remembers.
const DefaultHistoryLimit = 1024

// Transition is a gate opening or closing at a local time.
type Transition struct {
	At   time.Duration `json:"at_ns"`
	Open bool          `json:"open"`
}

// TransmissionGate is the gate in front of one traffic class queue.
type TransmissionGate struct {
	index       int
	open        bool
	transitions uint64
	history     []Transition
	limit       int
}

func newTransmissionGate(index int, open bool, limit int) *TransmissionGate {
	return &TransmissionGate{index: index, open: open, limit: limit}
}

// Index returns the traffic class of the gate.
func (g *TransmissionGate) Index() int { return g.index }

// IsOpen reports whether frames of this class may be selected.
func (g *TransmissionGate) IsOpen() bool { return g.open }

// Transitions returns how often the gate changed state.
func (g *TransmissionGate) Transitions() uint64 { return g.transitions }

// History returns the most recent transitions, oldest first.
func (g *TransmissionGate) History() []Transition {
	return append([]Transition(nil), g.history...)
}

// setOpen updates the gate and reports whether its state changed.
func (g *TransmissionGate) setOpen(open bool, at time.Duration) bool {
	if g.open == open {
		return false
	}
	g.open = open
	g.transitions++
	if g.limit > 0 {
		if len(g.history) == g.limit {
			copy(g.history, g.history[1:])
			g.history = g.history[:len(g.history)-1]
		}
		g.history = append(g.history, Transition{At: at, Open: open})
	}
	return true
}

// PortOption configures a Port.
type PortOption func(*portOptions)

type portOptions struct {
	historyLimit int
	managerOpts  []scheduler.Option
}

// WithHistoryLimit sets how many transitions each gate keeps. Zero disables
// the history.
func WithHistoryLimit(n int) PortOption {
	return func(o *portOptions) { o.historyLimit = n }
}

// WithManagerOptions passes options to the underlying schedule manager.
func WithManagerOptions(opts ...scheduler.Option) PortOption {
	return func(o *portOptions) { o.managerOpts = append(o.managerOpts, opts...) }
}

// Port bundles a gate schedule manager with the gates it drives.
type Port struct {
	name    string
	clock   *clock.Clock
	manager *ScheduleManager
	gates   [NumGates]*TransmissionGate
	logger  zerolog.Logger
}

// NewPort creates the manager for a port and attaches its gates. The gates
// start in the admin state.
func NewPort(name string, k sim.Scheduler, c *clock.Clock, cfg Config, logger zerolog.Logger, opts ...PortOption) (*Port, error) {
	o := portOptions{historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := NewScheduleManager(name, k, c, cfg, logger, o.managerOpts...)
	if err != nil {
		return nil, err
	}
	p := &Port{
		name:    name,
		clock:   c,
		manager: m,
		logger:  logger.With().Str("component", "port").Str("port", name).Logger(),
	}
	for i := range p.gates {
		p.gates[i] = newTransmissionGate(i, cfg.AdminState.Test(i), o.historyLimit)
	}
	m.SubscribeStateChanges(p)
	return p, nil
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Manager returns the gate schedule manager of the port.
func (p *Port) Manager() *ScheduleManager { return p.manager }

// Gate returns the gate of traffic class i.
func (p *Port) Gate(i int) (*TransmissionGate, error) {
	if i < 0 || i >= NumGates {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGate, i)
	}
	return p.gates[i], nil
}

// Gates returns all gates in traffic class order.
func (p *Port) Gates() []*TransmissionGate {
	return append([]*TransmissionGate(nil), p.gates[:]...)
}

// OpenGates returns the gate states as a bitvector.
func (p *Port) OpenGates() Bitvector {
	var b Bitvector
	for i, g := range p.gates {
		b = b.Set(i, g.IsOpen())
	}
	return b
}

// OnStateChange implements scheduler.StateListener.
func (p *Port) OnStateChange(_, to Bitvector) {
	now := p.clock.UpdateAndGetLocalTime()
	for i, g := range p.gates {
		if g.setOpen(to.Test(i), now) {
			p.logger.Debug().
				Int("gate", i).
				Bool("open", g.IsOpen()).
				Dur("local_time", now).
				Msg("gate state changed")
		}
	}
}
