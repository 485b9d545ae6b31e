/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuilderBuildsImmutableSchedule(t *testing.T) {
	b := NewBuilder[string]().
		BaseTime(5 * time.Microsecond).
		CycleTime(20 * time.Microsecond).
		CycleTimeExtension(2 * time.Microsecond).
		Add(8*time.Microsecond, "A").
		Add(12*time.Microsecond, "B")

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(b.Warnings()) != 0 {
		t.Errorf("unexpected warnings: %v", b.Warnings())
	}

	if s.BaseTime() != 5*time.Microsecond || s.CycleTime() != 20*time.Microsecond || s.CycleTimeExtension() != 2*time.Microsecond {
		t.Fatalf("timing = %v/%v/%v", s.BaseTime(), s.CycleTime(), s.CycleTimeExtension())
	}
	if s.Len() != 2 || s.IsEmpty() {
		t.Fatalf("Len() = %d", s.Len())
	}
	d, v := s.Entry(1)
	if d != 12*time.Microsecond || v != "B" {
		t.Errorf("Entry(1) = %v,%q", d, v)
	}
	if s.Duration(0) != 8*time.Microsecond || s.Value(0) != "A" {
		t.Errorf("entry 0 = %v,%q", s.Duration(0), s.Value(0))
	}
	if s.SumOfDurations() != 20*time.Microsecond {
		t.Errorf("SumOfDurations() = %v", s.SumOfDurations())
	}

	entries := s.Entries()
	entries[0].Value = "mutated"
	if s.Value(0) != "A" {
		t.Error("Entries() exposed internal storage")
	}

	// a used builder cannot touch the built schedule
	b.Add(time.Microsecond, "C")
	if s.Len() != 2 {
		t.Error("builder mutated a built schedule")
	}
	if _, err := b.Build(); !errors.Is(err, ErrBuilderUsed) {
		t.Errorf("second Build error = %v", err)
	}
}

func TestBuilderRejectsNegativeDurations(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder[int]
	}{
		{"entry", NewBuilder[int]().CycleTime(time.Microsecond).Add(-1, 1)},
		{"cycle", NewBuilder[int]().CycleTime(-time.Microsecond)},
		{"extension", NewBuilder[int]().CycleTimeExtension(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); !errors.Is(err, ErrNegativeDuration) {
				t.Fatalf("Build error = %v, want ErrNegativeDuration", err)
			}
		})
	}
}

func TestBuilderWarnings(t *testing.T) {
	b := NewBuilder[int]().CycleTime(10).Add(6, 1).Add(6, 2)
	if _, err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(b.Warnings()) != 1 || !strings.Contains(b.Warnings()[0], "exceeds cycle time") {
		t.Errorf("warnings = %v", b.Warnings())
	}

	empty := NewBuilder[int]().CycleTime(10)
	s, err := empty.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !s.IsEmpty() || len(empty.Warnings()) != 1 {
		t.Errorf("empty schedule warnings = %v", empty.Warnings())
	}

	// zero cycle time is accepted here and rejected at admission
	if _, err := NewBuilder[int]().Build(); err != nil {
		t.Errorf("zero cycle Build error = %v", err)
	}
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule(time.Millisecond, uint8(0xff))
	if s.Len() != 1 || s.CycleTime() != time.Millisecond || s.BaseTime() != 0 {
		t.Fatalf("default schedule = %v", s)
	}
	if d, v := s.Entry(0); d != time.Millisecond || v != 0xff {
		t.Errorf("entry = %v,%v", d, v)
	}
	if !strings.Contains(s.String(), "cycle=1ms") {
		t.Errorf("String() = %q", s.String())
	}
}
