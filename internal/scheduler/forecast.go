/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import "time"

// maxForecastSegments bounds both the segments and the cycles a forecast
// walks.
const maxForecastSegments = 4096

// Segment is a span of local time during which the oper state holds Value.
type Segment[T any] struct {
	Start time.Duration
	End   time.Duration
	Value T
}

// Forecast projects the oper state over [now, now+horizon] from the running
// cycle, the oper schedule and a pending config change. Adjacent segments
// with equal values are merged. It must run on the kernel goroutine.
func (m *Manager[T]) Forecast(horizon time.Duration) []Segment[T] {
	var out []Segment[T]
	m.WalkForecast(horizon, func(s Segment[T]) bool {
		out = append(out, s)
		return true
	})
	return out
}

// WalkForecast calls fn for each forecast segment in order until fn returns
// false.
func (m *Manager[T]) WalkForecast(horizon time.Duration, fn func(Segment[T]) bool) {
	now := m.clock.UpdateAndGetLocalTime()
	w := &forecastWalker[T]{end: now + horizon, fn: fn}
	if horizon <= 0 {
		return
	}
	if !m.enabled {
		w.emit(now, w.end, m.operState)
		w.flush()
		return
	}

	pending := m.configPending
	cct := m.configChangeTime
	next := m.projectedCycleStart(now)
	if pending && cct >= now && cct < next {
		next = cct
	}

	// remainder of the running cycle
	t, v := now, m.operState
	if ts := m.wake[listExecute].ts; ts != nil && m.le == Delay {
		stop := min(ts.Target(), next)
		w.emit(t, stop, v)
		t = stop
		if s := m.execSchedule; s != nil && s == m.operSchedule {
			for i := m.listPointer; i < s.Len() && t < next && !w.done(); i++ {
				d, val := s.Entry(i)
				stop := min(t+m.clampEntry(d), next)
				w.emit(t, stop, val)
				t, v = stop, val
			}
		}
	}
	w.emit(t, next, v)
	t = next

	sched := m.operSchedule
	for cycles := 0; !w.done() && cycles < maxForecastSegments; cycles++ {
		if pending && t >= cct {
			sched, pending = m.adminSchedule, false
		}
		nextStart, _ := cycleStartFor(sched, pending, cct, t+m.minTick())
		if pending && cct < nextStart {
			nextStart = cct
		}

		u := t
		last := m.adminState
		if sched.IsEmpty() {
			w.emit(u, nextStart, m.adminState)
			u = nextStart
		}
		for i := 0; i < sched.Len() && u < nextStart && !w.done(); i++ {
			d, val := sched.Entry(i)
			stop := min(u+m.clampEntry(d), nextStart)
			w.emit(u, stop, val)
			u, last = stop, val
		}
		w.emit(u, nextStart, last)
		t = nextStart
	}
	w.flush()
}

// projectedCycleStart returns the start of the next cycle as the cycle
// timer will see it.
func (m *Manager[T]) projectedCycleStart(now time.Duration) time.Duration {
	switch {
	case m.ct == WaitToStartCycle:
		return m.cycleStartTime
	case m.ct == SetCycleStartTime && m.wake[cycleTimer].ts != nil:
		now = m.wake[cycleTimer].ts.Target()
	}
	start, _ := cycleStartFor(m.operSchedule, m.configPending, m.configChangeTime, now)
	return start
}

func (m *Manager[T]) clampEntry(d time.Duration) time.Duration {
	if d <= 0 {
		return m.minTick()
	}
	return d
}

type forecastWalker[T comparable] struct {
	end     time.Duration
	fn      func(Segment[T]) bool
	cur     Segment[T]
	has     bool
	count   int
	reached bool
	stopped bool
}

func (w *forecastWalker[T]) done() bool {
	return w.stopped || w.reached || w.count >= maxForecastSegments
}

func (w *forecastWalker[T]) emit(start, stop time.Duration, v T) {
	if w.stopped {
		return
	}
	if stop >= w.end {
		stop = w.end
		w.reached = true
	}
	if stop <= start {
		return
	}
	if w.has && w.cur.Value == v && w.cur.End == start {
		w.cur.End = stop
		return
	}
	w.flush()
	w.cur = Segment[T]{Start: start, End: stop, Value: v}
	w.has = true
}

func (w *forecastWalker[T]) flush() {
	if !w.has || w.stopped {
		return
	}
	w.count++
	if !w.fn(w.cur) {
		w.stopped = true
	}
	w.has = false
}
