/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"sync/atomic"
	"time"
)

var listenerSeq atomic.Uint64

// NewListenerID returns a process-unique listener identity. Pending ticks and
// timestamps with equal time and kind are ordered by this value.
func NewListenerID() uint64 {
	return listenerSeq.Add(1)
}

// TickListener receives oscillator ticks.
type TickListener interface {
	ListenerID() uint64
	OnTick(o *Oscillator, t *Tick)
}

// FrequencyListener is notified after an oscillator changed its frequency.
type FrequencyListener interface {
	OnFrequencyChange(o *Oscillator, oldHz, newHz float64)
}

// TimestampListener receives clock timestamps.
type TimestampListener interface {
	ListenerID() uint64
	OnTimestamp(c *Clock, ts *Timestamp)
}

// ConfigListener is notified about rate, drift and phase changes of a clock.
type ConfigListener interface {
	OnClockRateChange(c *Clock, oldRate, newRate float64)
	OnDriftRateChange(c *Clock, oldDrift, newDrift float64)
	OnPhaseJump(c *Clock, oldTime, newTime time.Duration)
}

// ConfigFuncs adapts plain functions to ConfigListener. Use it by pointer;
// nil fields are skipped.
type ConfigFuncs struct {
	RateChange  func(c *Clock, oldRate, newRate float64)
	DriftChange func(c *Clock, oldDrift, newDrift float64)
	PhaseJump   func(c *Clock, oldTime, newTime time.Duration)
}

func (f *ConfigFuncs) OnClockRateChange(c *Clock, oldRate, newRate float64) {
	if f.RateChange != nil {
		f.RateChange(c, oldRate, newRate)
	}
}

func (f *ConfigFuncs) OnDriftRateChange(c *Clock, oldDrift, newDrift float64) {
	if f.DriftChange != nil {
		f.DriftChange(c, oldDrift, newDrift)
	}
}

func (f *ConfigFuncs) OnPhaseJump(c *Clock, oldTime, newTime time.Duration) {
	if f.PhaseJump != nil {
		f.PhaseJump(c, oldTime, newTime)
	}
}
