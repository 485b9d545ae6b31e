/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"fmt"
	"strings"
	"testing"
)

func formatSegments(segs []Segment[string]) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = fmt.Sprintf("%d-%d:%s", s.Start/us, s.End/us, s.Value)
	}
	return strings.Join(parts, " ")
}

func TestForecastRunningCycle(t *testing.T) {
	k, c := newTestClock(t)
	s := buildSchedule(t, 0, 20*us, entry{10 * us, "OPEN"}, entry{5 * us, "CLOSED"})
	m, _ := newManager(t, k, c, s)

	k.RunUntil(5 * us)
	got := formatSegments(m.Forecast(30 * us))
	want := "5-10:OPEN 10-20:CLOSED 20-30:OPEN 30-35:CLOSED"
	if got != want {
		t.Fatalf("Forecast = %q, want %q", got, want)
	}
}

func TestForecastFollowsPendingConfig(t *testing.T) {
	k, c := newTestClock(t)
	oper := buildSchedule(t, 0, 20*us, entry{10 * us, "A"}, entry{10 * us, "B"})
	m, _ := newManager(t, k, c, oper)

	k.RunUntil(7 * us)
	admin := buildSchedule(t, 50*us, 30*us, entry{15 * us, "X"}, entry{15 * us, "Y"})
	if err := m.SetAdminSchedule(admin); err != nil {
		t.Fatalf("SetAdminSchedule: %v", err)
	}
	k.RunUntil(8 * us)

	got := formatSegments(m.Forecast(70 * us))
	want := "8-10:A 10-20:B 20-30:A 30-40:B 40-50:A 50-65:X 65-78:Y"
	if got != want {
		t.Fatalf("Forecast = %q, want %q", got, want)
	}
}

func TestForecastDisabledHoldsOperState(t *testing.T) {
	k, c := newTestClock(t)
	s := buildSchedule(t, 0, 20*us, entry{10 * us, "A"})
	m, _ := newManager(t, k, c, s, WithEnabled(false))

	k.RunUntil(3 * us)
	got := formatSegments(m.Forecast(100 * us))
	if got != "3-103:ADMIN" {
		t.Fatalf("Forecast = %q", got)
	}
	if segs := m.Forecast(0); len(segs) != 0 {
		t.Fatalf("Forecast(0) = %v", segs)
	}
}

func TestWalkForecastStopsEarly(t *testing.T) {
	k, c := newTestClock(t)
	s := buildSchedule(t, 0, 20*us, entry{10 * us, "A"}, entry{10 * us, "B"})
	m, _ := newManager(t, k, c, s)
	k.RunUntil(1 * us)

	var calls int
	m.WalkForecast(1000*us, func(Segment[string]) bool {
		calls++
		return calls < 3
	})
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}
