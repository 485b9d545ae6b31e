/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"fmt"
	"time"
)

// ConfigChangeErrorCounter counts admin schedules whose base time had
// already passed while the manager was running.
func (m *Manager[T]) ConfigChangeErrorCounter() uint64 { return m.configChangeErrors }

// CycleTimerState returns the cycle timer machine state.
func (m *Manager[T]) CycleTimerState() CycleTimerState { return m.ct }

// ListExecuteState returns the list execute machine state.
func (m *Manager[T]) ListExecuteState() ListExecuteState { return m.le }

// ListConfigState returns the list config machine state.
func (m *Manager[T]) ListConfigState() ListConfigState { return m.lc }

// ListPointer returns the index of the next entry to execute.
func (m *Manager[T]) ListPointer() int { return m.listPointer }

// ConfigPending reports whether an admin schedule is waiting for its
// config change time.
func (m *Manager[T]) ConfigPending() bool { return m.configPending }

// ConfigChangeTime returns the last computed config change time.
func (m *Manager[T]) ConfigChangeTime() time.Duration { return m.configChangeTime }

// CycleStartTime returns the last computed cycle start time.
func (m *Manager[T]) CycleStartTime() time.Duration { return m.cycleStartTime }

// NextChange returns the local time of the next list execution, either the
// next entry of the running cycle or the next cycle start, whichever comes
// first.
func (m *Manager[T]) NextChange() (time.Duration, bool) {
	if !m.enabled {
		return 0, false
	}

	var (
		next  time.Duration
		found bool
	)
	if ts := m.wake[listExecute].ts; ts != nil && m.le == Delay &&
		m.execSchedule != nil && m.listPointer < m.execSchedule.Len() {
		next, found = ts.Target(), true
	}
	if ts := m.wake[cycleTimer].ts; ts != nil && m.ct == WaitToStartCycle {
		if !found || m.cycleStartTime < next {
			next, found = m.cycleStartTime, true
		}
	}
	return next, found
}

// Snapshot is a JSON friendly view of a manager.
type Snapshot struct {
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	LocalTimeNs        int64  `json:"local_time_ns"`
	AdminState         string `json:"admin_state"`
	OperState          string `json:"oper_state"`
	CycleTimer         string `json:"cycle_timer"`
	ListExecute        string `json:"list_execute"`
	ListConfig         string `json:"list_config"`
	ListPointer        int    `json:"list_pointer"`
	ConfigPending      bool   `json:"config_pending"`
	ConfigChangeTimeNs int64  `json:"config_change_time_ns"`
	CycleStartTimeNs   int64  `json:"cycle_start_time_ns"`
	ConfigChangeErrors uint64 `json:"config_change_errors"`
	OperCycleTimeNs    int64  `json:"oper_cycle_time_ns"`
	OperEntries        int    `json:"oper_entries"`
	AdminCycleTimeNs   int64  `json:"admin_cycle_time_ns"`
	AdminEntries       int    `json:"admin_entries"`
	NextChangeNs       *int64 `json:"next_change_ns,omitempty"`
}

// Snapshot returns the current manager state. It reads the clock and must
// run on the kernel goroutine.
func (m *Manager[T]) Snapshot() Snapshot {
	s := Snapshot{
		Name:               m.name,
		Enabled:            m.enabled,
		LocalTimeNs:        m.clock.UpdateAndGetLocalTime().Nanoseconds(),
		AdminState:         fmt.Sprint(m.adminState),
		OperState:          fmt.Sprint(m.operState),
		CycleTimer:         m.ct.String(),
		ListExecute:        m.le.String(),
		ListConfig:         m.lc.String(),
		ListPointer:        m.listPointer,
		ConfigPending:      m.configPending,
		ConfigChangeTimeNs: m.configChangeTime.Nanoseconds(),
		CycleStartTimeNs:   m.cycleStartTime.Nanoseconds(),
		ConfigChangeErrors: m.configChangeErrors,
		OperCycleTimeNs:    m.operSchedule.CycleTime().Nanoseconds(),
		OperEntries:        m.operSchedule.Len(),
		AdminCycleTimeNs:   m.adminSchedule.CycleTime().Nanoseconds(),
		AdminEntries:       m.adminSchedule.Len(),
	}
	if next, ok := m.NextChange(); ok {
		ns := next.Nanoseconds()
		s.NextChangeNs = &ns
	}
	return s
}
