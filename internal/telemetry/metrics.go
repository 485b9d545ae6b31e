/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

const namespace = "tsngate"

// reuse registers c, or returns the collector already registered under the
// same description. Failures are appended to errs.
func reuse[C prometheus.Collector](reg prometheus.Registerer, c C, errs *[]error) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errs = append(*errs, err)
	}
	return c
}

// ScheduleMetrics counts schedule manager events. It implements
// scheduler.Observer.
type ScheduleMetrics struct {
	operChanges   *prometheus.CounterVec
	cycleStarts   *prometheus.CounterVec
	configChanges *prometheus.CounterVec
	configErrors  *prometheus.CounterVec
	listPointer   *prometheus.GaugeVec
}

var _ scheduler.Observer = (*ScheduleMetrics)(nil)

// NewScheduleMetrics creates and registers the schedule metrics.
func NewScheduleMetrics(reg prometheus.Registerer) (*ScheduleMetrics, error) {
	m := &ScheduleMetrics{
		operChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oper_state_changes_total",
			Help:      "Oper state assignments per schedule manager.",
		}, []string{"manager"}),
		cycleStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_starts_total",
			Help:      "Gate control list cycles started.",
		}, []string{"manager"}),
		configChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_changes_total",
			Help:      "Admin schedules that became operational.",
		}, []string{"manager"}),
		configErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_change_errors_total",
			Help:      "Admin schedules whose base time had already passed.",
		}, []string{"manager"}),
		listPointer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "list_pointer",
			Help:      "Index of the next gate control list entry.",
		}, []string{"manager"}),
	}
	var errs []error
	m.operChanges = reuse(reg, m.operChanges, &errs)
	m.cycleStarts = reuse(reg, m.cycleStarts, &errs)
	m.configChanges = reuse(reg, m.configChanges, &errs)
	m.configErrors = reuse(reg, m.configErrors, &errs)
	m.listPointer = reuse(reg, m.listPointer, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ScheduleMetrics) OperStateChanged(manager string, listPointer int) {
	m.operChanges.WithLabelValues(manager).Inc()
	m.listPointer.WithLabelValues(manager).Set(float64(listPointer))
}

func (m *ScheduleMetrics) CycleStarted(manager string, _ time.Duration) {
	m.cycleStarts.WithLabelValues(manager).Inc()
}

func (m *ScheduleMetrics) ConfigChanged(manager string, _ time.Duration) {
	m.configChanges.WithLabelValues(manager).Inc()
}

func (m *ScheduleMetrics) ConfigChangeFailed(manager string, _, _ time.Duration) {
	m.configErrors.WithLabelValues(manager).Inc()
}

// RuntimeMetrics covers the event loop and the exporters.
type RuntimeMetrics struct {
	KernelEvents   prometheus.Counter
	VirtualTime    prometheus.Gauge
	ExportFailures *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	LeaderStatus   prometheus.Gauge
	LeaderChanges  *prometheus.CounterVec
}

// NewRuntimeMetrics creates and registers the runtime metrics.
func NewRuntimeMetrics(reg prometheus.Registerer) (*RuntimeMetrics, error) {
	m := &RuntimeMetrics{
		KernelEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_events_total",
			Help:      "Events processed by the simulation kernel.",
		}),
		VirtualTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "virtual_time_seconds",
			Help:      "Current simulation time.",
		}),
		ExportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Events that could not be exported.",
		}, []string{"backend"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}),
		LeaderStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_leader",
			Help:      "1 while this instance holds the export lease.",
		}),
		LeaderChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_leader_changes_total",
			Help:      "Export lease transitions.",
		}, []string{"direction"}),
	}
	var errs []error
	m.KernelEvents = reuse(reg, m.KernelEvents, &errs)
	m.VirtualTime = reuse(reg, m.VirtualTime, &errs)
	m.ExportFailures = reuse(reg, m.ExportFailures, &errs)
	m.EventsDropped = reuse(reg, m.EventsDropped, &errs)
	m.LeaderStatus = reuse(reg, m.LeaderStatus, &errs)
	m.LeaderChanges = reuse(reg, m.LeaderChanges, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveKernel installs a hook on k that counts processed events.
func (m *RuntimeMetrics) ObserveKernel(k *sim.Kernel) {
	k.OnEvent(func(ev *sim.Event) {
		m.KernelEvents.Inc()
		m.VirtualTime.Set(ev.At().Seconds())
	})
}

// Handler exposes the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
