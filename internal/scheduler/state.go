/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

// CycleTimerState is the state of the cycle timer machine.
type CycleTimerState int

const (
	CycleIdle CycleTimerState = iota
	SetCycleStartTime
	WaitToStartCycle
	StartCycle
)

func (s CycleTimerState) String() string {
	switch s {
	case CycleIdle:
		return "CYCLE_IDLE"
	case SetCycleStartTime:
		return "SET_CYCLE_START_TIME"
	case WaitToStartCycle:
		return "WAIT_TO_START_CYCLE"
	case StartCycle:
		return "START_CYCLE"
	}
	return "UNKNOWN"
}

// ListExecuteState is the state of the list execute machine.
type ListExecuteState int

const (
	Init ListExecuteState = iota
	EndOfCycle
	NewCycle
	ExecuteCycle
	Delay
)

func (s ListExecuteState) String() string {
	switch s {
	case Init:
		return "INIT"
	case EndOfCycle:
		return "END_OF_CYCLE"
	case NewCycle:
		return "NEW_CYCLE"
	case ExecuteCycle:
		return "EXECUTE_CYCLE"
	case Delay:
		return "DELAY"
	}
	return "UNKNOWN"
}

// ListConfigState is the state of the list config machine.
type ListConfigState int

const (
	ConfigIdle ListConfigState = iota
	ConfigPending
	UpdateConfig
)

func (s ListConfigState) String() string {
	switch s {
	case ConfigIdle:
		return "CONFIG_IDLE"
	case ConfigPending:
		return "CONFIG_PENDING"
	case UpdateConfig:
		return "UPDATE_CONFIG"
	}
	return "UNKNOWN"
}

// machine identifies one of the three state machines. The value doubles as
// the clock timestamp kind, so at equal local time the config machine is
// woken before the cycle timer, and the cycle timer before list execution.
type machine uint64

const (
	listConfig machine = iota
	cycleTimer
	listExecute
	machineCount
)

func (m machine) String() string {
	switch m {
	case listConfig:
		return "list_config"
	case cycleTimer:
		return "cycle_timer"
	case listExecute:
		return "list_execute"
	}
	return "unknown"
}
