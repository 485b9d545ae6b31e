/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNegativeDuration is returned when an entry or cycle parameter is
	// negative.
	ErrNegativeDuration = errors.New("negative duration")

	// ErrBuilderUsed is returned by Build on a builder that already built.
	ErrBuilderUsed = errors.New("schedule builder already used")
)

// Builder assembles a Schedule. The zero value is not usable; call
// NewBuilder.
type Builder[T any] struct {
	schedule *Schedule[T]
	err      error
	warnings []string
}

// NewBuilder returns an empty builder.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{schedule: &Schedule[T]{}}
}

// BaseTime sets the cycle grid reference point.
func (b *Builder[T]) BaseTime(t time.Duration) *Builder[T] {
	if b.schedule == nil {
		return b
	}
	b.schedule.baseTime = t
	return b
}

// CycleTime sets the cycle length. Values above zero are enforced when the
// schedule is admitted by a manager, not here.
func (b *Builder[T]) CycleTime(d time.Duration) *Builder[T] {
	if b.schedule == nil {
		return b
	}
	if d < 0 {
		b.fail(fmt.Errorf("%w: cycle time %v", ErrNegativeDuration, d))
		return b
	}
	b.schedule.cycleTime = d
	return b
}

// CycleTimeExtension sets the allowed stretch of the last cycle.
func (b *Builder[T]) CycleTimeExtension(d time.Duration) *Builder[T] {
	if b.schedule == nil {
		return b
	}
	if d < 0 {
		b.fail(fmt.Errorf("%w: cycle time extension %v", ErrNegativeDuration, d))
		return b
	}
	b.schedule.cycleTimeExtension = d
	return b
}

// Add appends an entry.
func (b *Builder[T]) Add(d time.Duration, value T) *Builder[T] {
	if b.schedule == nil {
		return b
	}
	if d < 0 {
		b.fail(fmt.Errorf("%w: entry %d interval %v", ErrNegativeDuration, len(b.schedule.entries), d))
		return b
	}
	b.schedule.entries = append(b.schedule.entries, Entry[T]{Duration: d, Value: value})
	return b
}

func (b *Builder[T]) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build returns the finished schedule. The builder must not be reused.
func (b *Builder[T]) Build() (*Schedule[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.schedule == nil {
		return nil, ErrBuilderUsed
	}
	s := b.schedule
	b.schedule = nil

	if sum := s.SumOfDurations(); sum > s.cycleTime {
		b.warnings = append(b.warnings, fmt.Sprintf(
			"sum of entry intervals %v exceeds cycle time %v; the list is cut at the cycle end", sum, s.cycleTime))
	}
	if len(s.entries) == 0 {
		b.warnings = append(b.warnings, "control list has no entries")
	}
	return s, nil
}

// Warnings returns the non-fatal findings of Build.
func (b *Builder[T]) Warnings() []string { return b.warnings }
