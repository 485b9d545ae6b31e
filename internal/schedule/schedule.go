/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule holds the immutable gate control lists consumed by the
// schedule managers.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Entry is one control list row: Value holds for Duration.
type Entry[T any] struct {
	Duration time.Duration
	Value    T
}

// Schedule is a cyclic control list. It is never modified after Build and is
// shared between managers by pointer.
type Schedule[T any] struct {
	baseTime           time.Duration
	cycleTime          time.Duration
	cycleTimeExtension time.Duration
	entries            []Entry[T]
}

// BaseTime returns the reference point of the cycle grid.
func (s *Schedule[T]) BaseTime() time.Duration { return s.baseTime }

// CycleTime returns the cycle length.
func (s *Schedule[T]) CycleTime() time.Duration { return s.cycleTime }

// CycleTimeExtension returns how far the last cycle before a config change
// may be stretched instead of cut short.
func (s *Schedule[T]) CycleTimeExtension() time.Duration { return s.cycleTimeExtension }

// Len returns the number of entries.
func (s *Schedule[T]) Len() int { return len(s.entries) }

// IsEmpty reports whether the control list has no entries.
func (s *Schedule[T]) IsEmpty() bool { return len(s.entries) == 0 }

// Entry returns the i-th entry. It panics when i is out of range.
func (s *Schedule[T]) Entry(i int) (time.Duration, T) {
	e := s.entries[i]
	return e.Duration, e.Value
}

// Duration returns the time interval of entry i.
func (s *Schedule[T]) Duration(i int) time.Duration { return s.entries[i].Duration }

// Value returns the value of entry i.
func (s *Schedule[T]) Value(i int) T { return s.entries[i].Value }

// Entries returns a copy of the control list.
func (s *Schedule[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(s.entries))
	copy(out, s.entries)
	return out
}

// SumOfDurations returns the total time covered by the entries.
func (s *Schedule[T]) SumOfDurations() time.Duration {
	var sum time.Duration
	for _, e := range s.entries {
		sum += e.Duration
	}
	return sum
}

func (s *Schedule[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schedule(base=%v cycle=%v ext=%v", s.baseTime, s.cycleTime, s.cycleTimeExtension)
	for i, e := range s.entries {
		fmt.Fprintf(&b, " [%d %v %v]", i, e.Duration, e.Value)
	}
	b.WriteString(")")
	return b.String()
}

// DefaultSchedule returns a single entry list holding value for the whole
// cycle.
func DefaultSchedule[T any](cycle time.Duration, value T) *Schedule[T] {
	return &Schedule[T]{
		cycleTime: cycle,
		entries:   []Entry[T]{{Duration: cycle, Value: value}},
	}
}
