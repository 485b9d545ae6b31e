/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler executes gate control lists with the cycle timer, list
// execute and list config machines of IEEE 802.1Q 8.6.9.
//
// All three machines run on the kernel goroutine. Every "as soon as
// possible" transition is a zero delay kernel event, and each machine owns
// at most one pending wakeup at any time.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/clock"
	"github.com/friendsincode/tsngate/internal/schedule"
	"github.com/friendsincode/tsngate/internal/sim"
)

var (
	// ErrInvalidConfiguration is the parent of all rejected configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidSchedule is returned for nil schedules and cycle times <= 0.
	ErrInvalidSchedule = fmt.Errorf("%w: invalid schedule", ErrInvalidConfiguration)

	// ErrDegradedConfiguration is attached to warnings about schedules whose
	// cycle is shorter than one clock tick. It is never returned.
	ErrDegradedConfiguration = errors.New("degraded configuration")

	// ErrInternalInvariant is raised with panic when the machines are
	// inconsistent.
	ErrInternalInvariant = errors.New("schedule manager invariant violation")
)

// signal is a cross-machine notification delivered through the kernel.
type signal int

const (
	signalCycleStart signal = iota
	signalNewConfigCT
	signalConfigChange
	signalEnabled
)

func (s signal) String() string {
	switch s {
	case signalCycleStart:
		return "cycle_start"
	case signalNewConfigCT:
		return "new_config_ct"
	case signalConfigChange:
		return "config_change"
	case signalEnabled:
		return "enabled"
	}
	return "unknown"
}

// wakeup is the single pending activation of a machine: either a kernel
// event for the current instant or a clock timestamp.
type wakeup struct {
	ev *sim.Event
	ts *clock.Timestamp
}

// trigger describes when a machine runs next.
type trigger struct {
	timed bool
	local time.Duration
	fn    func()
}

func immediately(fn func()) trigger         { return trigger{fn: fn} }
func atLocalTime(t time.Duration) trigger { return trigger{timed: true, local: t} }

// Option configures a Manager.
type Option func(*options)

type options struct {
	enabled   bool
	observers []Observer
}

// WithEnabled sets the initial enabled flag. Managers start enabled.
func WithEnabled(enabled bool) Option {
	return func(o *options) { o.enabled = enabled }
}

// WithObserver adds an observer for engine events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// Manager runs a schedule of values of type T against a clock.
type Manager[T comparable] struct {
	name   string
	id     uint64
	kernel sim.Scheduler
	clock  *clock.Clock

	adminState    T
	operState     T
	adminSchedule *schedule.Schedule[T]
	operSchedule  *schedule.Schedule[T]
	execSchedule  *schedule.Schedule[T]

	enabled            bool
	listPointer        int
	cycleStartTime     time.Duration
	configPending      bool
	configChangeTime   time.Duration
	configChangeErrors uint64
	configFromEnable   bool

	ct CycleTimerState
	le ListExecuteState
	lc ListConfigState

	wake [machineCount]wakeup

	listeners []StateListener[T]
	observers []Observer
	logger    zerolog.Logger
}

var _ clock.TimestampListener = (*Manager[int])(nil)

// New creates a manager. Both the admin and the oper slot start with
// adminSchedule, and an enabled manager begins executing it right away.
func New[T comparable](name string, k sim.Scheduler, c *clock.Clock, adminState T, adminSchedule *schedule.Schedule[T], logger zerolog.Logger, opts ...Option) (*Manager[T], error) {
	o := options{enabled: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateSchedule(adminSchedule); err != nil {
		return nil, err
	}

	m := &Manager[T]{
		name:          name,
		id:            clock.NewListenerID(),
		kernel:        k,
		clock:         c,
		adminState:    adminState,
		operState:     adminState,
		adminSchedule: adminSchedule,
		operSchedule:  adminSchedule,
		observers:     o.observers,
		logger:        logger.With().Str("component", "schedule_manager").Str("manager", name).Logger(),
	}
	m.warnIfDegraded(adminSchedule)

	if o.enabled {
		m.enabled = true
		m.begin()
	}
	return m, nil
}

func validateSchedule[T any](s *schedule.Schedule[T]) error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrInvalidSchedule)
	}
	if s.CycleTime() <= 0 {
		return fmt.Errorf("%w: cycle time %v must be positive", ErrInvalidSchedule, s.CycleTime())
	}
	return nil
}

func (m *Manager[T]) warnIfDegraded(s *schedule.Schedule[T]) {
	if tick := m.clock.TickIntervalNs(); tick > 0 && float64(s.CycleTime()) < tick {
		m.logger.Warn().
			Err(ErrDegradedConfiguration).
			Dur("cycle_time", s.CycleTime()).
			Float64("tick_ns", tick).
			Msg("cycle time below clock resolution")
	}
}

// begin arms all three machines from their idle states.
func (m *Manager[T]) begin() {
	m.ct, m.le, m.lc = CycleIdle, Init, ConfigIdle
	m.rearm(cycleTimer, immediately(m.stepper(cycleTimer)))
	m.rearm(listExecute, immediately(m.stepper(listExecute)))
	m.rearm(listConfig, immediately(m.stepper(listConfig)))
}

// Name returns the manager name.
func (m *Manager[T]) Name() string { return m.name }

// Clock returns the clock the manager runs on.
func (m *Manager[T]) Clock() *clock.Clock { return m.clock }

// ListenerID implements clock.TimestampListener.
func (m *Manager[T]) ListenerID() uint64 { return m.id }

// SetAdminState sets the fallback value used for empty lists and on
// initialisation.
func (m *Manager[T]) SetAdminState(v T) { m.adminState = v }

// AdminState returns the admin state.
func (m *Manager[T]) AdminState() T { return m.adminState }

// OperState returns the currently active value.
func (m *Manager[T]) OperState() T { return m.operState }

// AdminSchedule returns the pending or last admitted schedule.
func (m *Manager[T]) AdminSchedule() *schedule.Schedule[T] { return m.adminSchedule }

// OperSchedule returns the schedule being executed.
func (m *Manager[T]) OperSchedule() *schedule.Schedule[T] { return m.operSchedule }

// SetAdminSchedule installs s as the admin schedule. An enabled manager
// starts computing its config change time; a disabled one admits it on the
// next enable.
func (m *Manager[T]) SetAdminSchedule(s *schedule.Schedule[T]) error {
	if err := validateSchedule(s); err != nil {
		return err
	}
	m.warnIfDegraded(s)
	m.adminSchedule = s

	m.logger.Info().
		Dur("base_time", s.BaseTime()).
		Dur("cycle_time", s.CycleTime()).
		Int("entries", s.Len()).
		Bool("enabled", m.enabled).
		Msg("admin schedule set")

	if m.enabled {
		m.signal(listConfig, signalConfigChange)
	}
	return nil
}

// Enabled reports whether the machines are running.
func (m *Manager[T]) Enabled() bool { return m.enabled }

// SetEnabled starts or stops the machines. Disabling drops every pending
// wakeup and publishes the admin state; enabling re-derives all timing.
func (m *Manager[T]) SetEnabled(enabled bool) {
	if enabled == m.enabled {
		return
	}

	if !enabled {
		m.enabled = false
		for mc := machine(0); mc < machineCount; mc++ {
			m.disarm(mc)
		}
		m.ct, m.le, m.lc = CycleIdle, Init, ConfigIdle
		m.configPending = false
		m.configFromEnable = false
		m.listPointer = 0
		m.execSchedule = nil

		m.logger.Info().Msg("schedule manager disabled")
		if m.operState != m.adminState {
			m.setOperState(m.adminState)
		}
		return
	}

	m.enabled = true
	m.logger.Info().Msg("schedule manager enabled")
	m.signal(listConfig, signalEnabled)
	m.rearm(cycleTimer, immediately(m.stepper(cycleTimer)))
	m.rearm(listExecute, immediately(m.stepper(listExecute)))
}

// SubscribeStateChanges registers l. Registering the same listener twice
// has no effect.
func (m *Manager[T]) SubscribeStateChanges(l StateListener[T]) {
	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

// UnsubscribeStateChanges removes l.
func (m *Manager[T]) UnsubscribeStateChanges(l StateListener[T]) {
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// OnTimestamp implements clock.TimestampListener. The machine owning the
// timestamp runs in a zero delay kernel event.
func (m *Manager[T]) OnTimestamp(_ *clock.Clock, ts *clock.Timestamp) {
	mc := machine(ts.Kind())
	if mc >= machineCount {
		panic(fmt.Errorf("%w: unknown wakeup kind %d", ErrInternalInvariant, ts.Kind()))
	}
	if m.wake[mc].ts != ts {
		panic(fmt.Errorf("%w: stale %s wakeup at %v", ErrInternalInvariant, mc, ts.Target()))
	}
	m.wake[mc].ts = nil
	m.rearm(mc, immediately(m.stepper(mc)))
}

// rearm replaces the pending wakeup of mc with tr.
func (m *Manager[T]) rearm(mc machine, tr trigger) {
	m.disarm(mc)
	if tr.timed {
		m.wake[mc].ts = m.clock.SubscribeTimestamp(m, tr.local, uint64(mc))
		return
	}
	fn := tr.fn
	m.wake[mc].ev = m.kernel.ScheduleAt(m.kernel.Now(), m.name+"."+mc.String(), func() {
		m.wake[mc].ev = nil
		if !m.enabled {
			return
		}
		fn()
	})
}

func (m *Manager[T]) disarm(mc machine) {
	w := &m.wake[mc]
	if w.ev != nil {
		m.kernel.Cancel(w.ev)
	}
	if w.ts != nil {
		m.clock.Unsubscribe(w.ts)
	}
	*w = wakeup{}
}

func (m *Manager[T]) stepper(mc machine) func() {
	switch mc {
	case cycleTimer:
		return m.stepCycleTimer
	case listExecute:
		return m.stepListExecute
	case listConfig:
		return m.stepListConfig
	}
	panic(fmt.Errorf("%w: unknown machine %d", ErrInternalInvariant, mc))
}

// signal delivers sig to the target machine at the current instant. Any
// wakeup the target had pending is superseded.
func (m *Manager[T]) signal(target machine, sig signal) {
	m.rearm(target, immediately(func() { m.receive(sig) }))
}

func (m *Manager[T]) receive(sig signal) {
	m.logger.Debug().Stringer("signal", sig).Dur("local_time", m.clock.UpdateAndGetLocalTime()).Msg("signal received")

	switch sig {
	case signalCycleStart:
		m.setListExecute(NewCycle)
		m.stepListExecute()
	case signalNewConfigCT:
		m.setCycleTimer(CycleIdle)
		m.stepCycleTimer()
	case signalConfigChange, signalEnabled:
		m.configFromEnable = sig == signalEnabled
		m.setListConfig(ConfigPending)
		m.stepListConfig()
	default:
		panic(fmt.Errorf("%w: unknown signal %d", ErrInternalInvariant, sig))
	}
}

func (m *Manager[T]) minTick() time.Duration {
	if tick := m.clock.TickInterval(); tick > 0 {
		return tick
	}
	return time.Nanosecond
}

// nextCycleBoundary returns the smallest base+n*cycle that is >= now, or
// base itself when it is not in the past.
func nextCycleBoundary(base, cycle, now time.Duration) time.Duration {
	if base >= now {
		return base
	}
	n := (now - base + cycle - 1) / cycle
	return base + n*cycle
}

func (m *Manager[T]) stepCycleTimer() {
	switch m.ct {
	case CycleIdle:
		m.setCycleTimer(SetCycleStartTime)
		m.rearm(cycleTimer, immediately(m.stepCycleTimer))

	case SetCycleStartTime:
		now := m.clock.UpdateAndGetLocalTime()
		m.cycleStartTime = m.computeCycleStartTime(now)
		if m.cycleStartTime <= now {
			m.setCycleTimer(StartCycle)
			m.rearm(cycleTimer, immediately(m.stepCycleTimer))
			return
		}
		m.setCycleTimer(WaitToStartCycle)
		m.rearm(cycleTimer, atLocalTime(m.cycleStartTime))

	case WaitToStartCycle:
		m.setCycleTimer(StartCycle)
		m.rearm(cycleTimer, immediately(m.stepCycleTimer))

	case StartCycle:
		now := m.clock.UpdateAndGetLocalTime()
		for _, obs := range m.observers {
			obs.CycleStarted(m.name, now)
		}
		m.signal(listExecute, signalCycleStart)
		m.setCycleTimer(SetCycleStartTime)
		m.rearm(cycleTimer, atLocalTime(now+m.minTick()))
	}
}

// computeCycleStartTime applies the case analysis of 8.6.9.1.1 to the oper
// schedule.
func (m *Manager[T]) computeCycleStartTime(now time.Duration) time.Duration {
	start, which := cycleStartFor(m.operSchedule, m.configPending, m.configChangeTime, now)
	if start < now {
		panic(fmt.Errorf("%w: cycle start %v before now %v", ErrInternalInvariant, start, now))
	}
	m.logger.Debug().
		Str("case", which).
		Dur("now", now).
		Dur("cycle_start_time", start).
		Msg("cycle start time computed")
	return start
}

func cycleStartFor[T any](s *schedule.Schedule[T], configPending bool, configChangeTime, now time.Duration) (time.Duration, string) {
	base, cycle, ext := s.BaseTime(), s.CycleTime(), s.CycleTimeExtension()
	switch {
	case !configPending && base >= now:
		return base, "a"
	case !configPending:
		return nextCycleBoundary(base, cycle, now), "b"
	case configChangeTime > now+cycle+ext || configChangeTime < now:
		// A config change time behind now only happens after a phase jump,
		// before the list config machine has caught up.
		return nextCycleBoundary(base, cycle, now), "c"
	default:
		return configChangeTime, "d"
	}
}

func (m *Manager[T]) stepListExecute() {
	switch m.le {
	case Init:
		m.listPointer = 0
		m.execSchedule = nil
		m.setOperState(m.adminState)
		if !m.enabled {
			return
		}
		m.setListExecute(EndOfCycle)

	case EndOfCycle:
		// idle until the next cycle start

	case NewCycle:
		m.listPointer = 0
		m.execSchedule = m.operSchedule
		m.setListExecute(ExecuteCycle)
		m.rearm(listExecute, immediately(m.stepListExecute))

	case ExecuteCycle:
		m.executeEntry()

	case Delay:
		s := m.execSchedule
		if s == nil || s != m.operSchedule {
			// the running list was replaced; wait for the cycle start of the
			// new one
			m.setListExecute(EndOfCycle)
			return
		}
		if m.listPointer > s.Len() {
			panic(fmt.Errorf("%w: list pointer %d beyond list length %d", ErrInternalInvariant, m.listPointer, s.Len()))
		}
		if m.listPointer < s.Len() {
			m.setListExecute(ExecuteCycle)
			m.rearm(listExecute, immediately(m.stepListExecute))
			return
		}
		m.setListExecute(EndOfCycle)
	}
}

func (m *Manager[T]) executeEntry() {
	s := m.execSchedule
	now := m.clock.UpdateAndGetLocalTime()

	var exit time.Duration
	if s.IsEmpty() {
		exit = s.CycleTime()
		m.setOperState(m.adminState)
		if !m.enabled {
			return
		}
	} else {
		if m.listPointer >= s.Len() {
			panic(fmt.Errorf("%w: executing entry %d of %d", ErrInternalInvariant, m.listPointer, s.Len()))
		}
		d, v := s.Entry(m.listPointer)
		exit = d
		if exit <= 0 {
			exit = m.minTick()
		}
		m.setOperState(v)
		if !m.enabled {
			// a listener disabled the manager, which already reset it
			return
		}
		m.listPointer++
	}

	m.setListExecute(Delay)
	m.rearm(listExecute, atLocalTime(now+exit))
}

func (m *Manager[T]) stepListConfig() {
	switch m.lc {
	case ConfigIdle:
		m.configPending = false

	case ConfigPending:
		now := m.clock.UpdateAndGetLocalTime()
		admin := m.adminSchedule
		base := admin.BaseTime()
		m.configChangeTime = nextCycleBoundary(base, admin.CycleTime(), now)

		if base < now && !m.configFromEnable {
			m.configChangeErrors++
			m.logger.Warn().
				Dur("base_time", base).
				Dur("now", now).
				Dur("config_change_time", m.configChangeTime).
				Uint64("errors", m.configChangeErrors).
				Msg("admin base time already passed")
			for _, obs := range m.observers {
				obs.ConfigChangeFailed(m.name, base, m.configChangeTime)
			}
		}
		m.configFromEnable = false
		m.configPending = true

		m.logger.Info().Dur("config_change_time", m.configChangeTime).Msg("config change pending")
		m.setListConfig(UpdateConfig)
		m.rearm(listConfig, atLocalTime(m.configChangeTime))

	case UpdateConfig:
		m.operSchedule = m.adminSchedule
		m.logger.Info().
			Dur("config_change_time", m.configChangeTime).
			Dur("cycle_time", m.operSchedule.CycleTime()).
			Msg("admin schedule became operational")
		for _, obs := range m.observers {
			obs.ConfigChanged(m.name, m.configChangeTime)
		}

		m.setListConfig(ConfigIdle)
		m.rearm(listConfig, immediately(m.stepListConfig))
		m.signal(cycleTimer, signalNewConfigCT)
	}
}

func (m *Manager[T]) setOperState(v T) {
	from := m.operState
	m.operState = v
	for _, obs := range m.observers {
		obs.OperStateChanged(m.name, m.listPointer)
	}
	listeners := append([]StateListener[T](nil), m.listeners...)
	for _, l := range listeners {
		l.OnStateChange(from, v)
	}
}

func (m *Manager[T]) setCycleTimer(s CycleTimerState) {
	m.logTransition(cycleTimer, m.ct.String(), s.String())
	m.ct = s
}

func (m *Manager[T]) setListExecute(s ListExecuteState) {
	m.logTransition(listExecute, m.le.String(), s.String())
	m.le = s
}

func (m *Manager[T]) setListConfig(s ListConfigState) {
	m.logTransition(listConfig, m.lc.String(), s.String())
	m.lc = s
}

func (m *Manager[T]) logTransition(mc machine, from, to string) {
	if e := m.logger.Debug(); e.Enabled() {
		e.Stringer("machine", mc).
			Str("from", from).
			Str("to", to).
			Dur("kernel_time", m.kernel.Now()).
			Msg("state transition")
	}
}
