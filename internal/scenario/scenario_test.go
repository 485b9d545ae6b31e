/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/friendsincode/tsngate/internal/events"
	"github.com/friendsincode/tsngate/internal/gate"
	"github.com/friendsincode/tsngate/internal/sim"
	"github.com/friendsincode/tsngate/internal/telemetry"
)

const us = time.Microsecond

const twoGates = `
name: two-gates
duration: 95us
oscillators:
  - name: osc0
    frequency_hz: 1000000000
  - name: osc1
    frequency_hz: 1000000
clocks:
  - name: c0
    oscillator: osc0
  - name: c1
    oscillator: osc1
ports:
  - name: p0
    clock: c0
    schedule:
      cycle_time: 20us
      entries:
        - {duration: 10us, gates: "10000000"}
        - {duration: 10us, gates: "01000000"}
generators:
  - name: g0
    clock: c0
    schedule:
      cycle_time: 50us
      entries:
        - {duration: 10us, destination: "10.0.0.2", pcp: 7, vid: 10, payload_size: 100}
        - {duration: 40us}
changes:
  - at: 45us
    target: g0
    action: set_enabled
    enabled: false
  - at: 90us
    target: c0
    action: set_drift
    drift_hz: 1000
  - at: 50us
    target: osc1
    action: set_frequency
    frequency_hz: 2000000
  - at: 60us
    target: c1
    action: set_time
    time: 1ms
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestLoadAndBuild(t *testing.T) {
	f, err := Load(writeScenario(t, twoGates))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Name != "two-gates" || f.Duration != 95*us {
		t.Fatalf("header = %q %v", f.Name, f.Duration)
	}
	if got := f.Ports[0].Schedule.Entries[1].Gates.String(); got != "01000000" {
		t.Fatalf("gates = %q", got)
	}
	if got := f.Generators[0].Schedule.Entries[0].PayloadSize; got != 100 {
		t.Fatalf("payload_size = %d", got)
	}

	bus := events.NewBus()
	datagrams := bus.Subscribe(events.EventDatagramScheduled)
	k := sim.NewKernel()
	n, err := Build(f, k, zerolog.Nop(), Options{Bus: bus})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if names := strings.Join(n.ManagerNames(), ","); names != "g0,p0" {
		t.Fatalf("managers = %s", names)
	}

	var p0 []StateChange
	n.Watch(func(c StateChange) {
		if c.Manager == "p0" {
			p0 = append(p0, c)
		}
	})

	if end := n.RunUntil(0); end != 95*us {
		t.Fatalf("ran until %v", end)
	}

	port, _ := n.Port("p0")
	g0, err := port.Gate(0)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if g0.Transitions() != 9 {
		t.Errorf("gate 0 transitions = %d, want 9", g0.Transitions())
	}
	if len(p0) < 10 {
		t.Fatalf("p0 state changes = %d", len(p0))
	}
	if last := p0[len(p0)-1]; last.At != 90*us || last.To != "01000000" {
		t.Errorf("last change = %+v", last)
	}

	gen, _ := n.Generator("g0")
	if gen.Sent() != 1 {
		t.Errorf("generator sent %d, want 1", gen.Sent())
	}
	if len(datagrams) != 1 {
		t.Errorf("datagram events = %d", len(datagrams))
	}
	if s, ok := n.Snapshot("g0"); !ok || s.Enabled {
		t.Errorf("g0 snapshot = %+v %v", s, ok)
	}
	if _, ok := n.Snapshot("nope"); ok {
		t.Error("unknown manager has a snapshot")
	}

	c0, _ := n.Clock("c0")
	if c0.DriftRate() != 1000 {
		t.Errorf("c0 drift = %v", c0.DriftRate())
	}
	clocks := n.Clocks()
	if len(clocks) != 2 || clocks[1].Name != "c1" {
		t.Fatalf("clocks = %+v", clocks)
	}
	if clocks[1].FrequencyHz != 2e6 || clocks[1].LocalTimeNs < time.Millisecond.Nanoseconds() {
		t.Errorf("c1 = %+v", clocks[1])
	}
	if len(n.Snapshots()) != 2 {
		t.Errorf("snapshots = %d", len(n.Snapshots()))
	}
}

func TestValidate(t *testing.T) {
	const osc = "oscillators: [{name: o, frequency_hz: 1000}]\n"
	const base = osc + "clocks: [{name: c, oscillator: o}]\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown oscillator", osc + "clocks: [{name: c2, oscillator: x}]", `unknown oscillator "x"`},
		{"bad frequency", "oscillators: [{name: o, frequency_hz: 1000}, {name: o2, frequency_hz: 0}]", "frequency_hz must be positive"},
		{"duplicate manager", base + "ports: [{name: a, clock: c}]\ngenerators: [{name: a, clock: c}]", "already used by a port"},
		{"unknown clock", base + "ports: [{name: a, clock: x}]", `unknown clock "x"`},
		{"zero cycle", base + "ports: [{name: a, clock: c, schedule: {cycle_time: 0s}}]", "cycle_time must be positive"},
		{"unknown action", base + "changes: [{at: 1us, target: c, action: explode}]", `unknown action "explode"`},
		{"missing field", base + "changes: [{at: 1us, target: c, action: set_drift}]", "drift_hz is required"},
		{"wrong target", base + "ports: [{name: a, clock: c}]\nchanges: [{at: 1us, target: c, action: set_enabled, enabled: true}]", "unknown port or generator"},
		{"schedule change", base + "ports: [{name: a, clock: c}]\nchanges: [{at: 1us, target: a, action: set_admin_schedule}]", "schedule is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("err = %v, want ErrInvalidScenario", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("name: x\nports_typo: []\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Parse(nil); !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("empty document err = %v", err)
	}
}

func TestScheduleChangeIsApplied(t *testing.T) {
	doc := twoGates + `
  - at: 25us
    target: p0
    action: set_admin_schedule
    schedule:
      base_time: 40us
      cycle_time: 40us
      entries:
        - {duration: 40us, gates: "00000001"}
`
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.RunUntil(50 * us)

	port, _ := n.Port("p0")
	m := port.Manager()
	if m.OperSchedule().CycleTime() != 40*us {
		t.Fatalf("oper cycle = %v", m.OperSchedule().CycleTime())
	}
	if m.OperState() != gate.Bitvector(0x80) {
		t.Errorf("oper state = %v", m.OperState())
	}
	if port.OpenGates().String() != "00000001" {
		t.Errorf("open gates = %v", port.OpenGates())
	}
}

func TestReload(t *testing.T) {
	f, err := Parse([]byte(twoGates))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bus := events.NewBus()
	reloaded := bus.Subscribe(events.EventScenarioReloaded)
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{Bus: bus})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.RunUntil(25 * us)

	doc := strings.Replace(twoGates, "cycle_time: 20us", "cycle_time: 40us", 1) + `
  - at: 1us
    target: p1
    action: set_enabled
    enabled: false
`
	doc = strings.Replace(doc, "generators:", "  - name: p1\n    clock: c0\ngenerators:", 1)
	next, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := n.Reload(context.Background(), next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if strings.Join(res.Updated, ",") != "p0" {
		t.Errorf("updated = %v", res.Updated)
	}
	if strings.Join(res.Ignored, ",") != "port p1" {
		t.Errorf("ignored = %v", res.Ignored)
	}
	port, _ := n.Port("p0")
	if port.Manager().AdminSchedule().CycleTime() != 40*us {
		t.Errorf("admin cycle = %v", port.Manager().AdminSchedule().CycleTime())
	}
	if len(reloaded) != 1 {
		t.Errorf("reload events = %d", len(reloaded))
	}
}

func TestReloadIsAllOrNothing(t *testing.T) {
	f, err := Parse([]byte(twoGates))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.RunUntil(5 * us)

	doc := strings.Replace(twoGates, "cycle_time: 20us", "cycle_time: 40us", 1)
	doc = strings.Replace(doc, "cycle_time: 50us", "cycle_time: 60us", 1)
	next, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// the generator schedule no longer builds, after the port has been diffed
	next.Generators[0].Schedule.Entries[0].Duration = -us
	if _, _, err := n.planReload(next); err == nil {
		t.Fatal("planReload accepted an unbuildable generator schedule")
	}
	if _, err := n.Reload(context.Background(), next); err == nil {
		t.Fatal("Reload accepted an unbuildable generator schedule")
	}
	port, _ := n.Port("p0")
	if got := port.Manager().AdminSchedule().CycleTime(); got != 20*us {
		t.Fatalf("port admin cycle after failed reload = %v, want 20us", got)
	}
	if n.file != f {
		t.Fatal("failed reload replaced the recorded file")
	}

	// the next reload still diffs against the original file
	next.Generators[0].Schedule.Entries[0].Duration = 10 * us
	res, err := n.Reload(context.Background(), next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if strings.Join(res.Updated, ",") != "p0,g0" {
		t.Fatalf("updated = %v, want p0,g0", res.Updated)
	}
	if got := port.Manager().AdminSchedule().CycleTime(); got != 40*us {
		t.Errorf("port admin cycle = %v, want 40us", got)
	}
}

func TestTimedChangeEmitsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f, err := Parse([]byte(twoGates))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.RunUntil(46 * us)

	var found bool
	for _, span := range rec.Ended() {
		if span.Name() != "scenario.change" {
			continue
		}
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		if attrs[telemetry.AttrTarget].AsString() != "g0" {
			continue
		}
		found = true
		if got := attrs[telemetry.AttrKernelTime].AsInt64(); got != (45 * us).Nanoseconds() {
			t.Errorf("kernel time = %d", got)
		}
		if got := attrs[telemetry.AttrLocalTime].AsInt64(); got != (45 * us).Nanoseconds() {
			t.Errorf("local time = %d", got)
		}
	}
	if !found {
		t.Fatal("no span for the g0 set_enabled change")
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeScenario(t, twoGates)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	w := NewWatcher(path, n, sim.Inline{}, zerolog.Nop())
	ctx := context.Background()

	res, err := w.Reload(ctx)
	if err != nil || len(res.Updated) != 0 {
		t.Fatalf("unchanged reload = %+v, %v", res, err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(twoGates, "pcp: 7", "pcp: 6", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = w.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if strings.Join(res.Updated, ",") != "g0" {
		t.Errorf("updated = %v", res.Updated)
	}

	if err := os.WriteFile(path, []byte("clocks: [{name: c, oscillator: missing}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reload(ctx); !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("invalid reload err = %v", err)
	}
}

func TestWatcherFollowsFileEvents(t *testing.T) {
	path := writeScenario(t, twoGates)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	w := NewWatcher(path, n, sim.Inline{}, zerolog.Nop())
	w.SetDebounce(10 * time.Millisecond)
	done := make(chan ReloadResult, 4)
	w.OnReload = func(res ReloadResult, err error) {
		if err == nil {
			done <- res
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	updated := strings.Replace(twoGates, "duration: 10us, gates", "duration: 5us, gates", 1)
	for attempt := 0; attempt < 20; attempt++ {
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case res := <-done:
			if strings.Join(res.Updated, ",") != "p0" {
				t.Fatalf("updated = %v", res.Updated)
			}
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	t.Fatal("watcher never reloaded the scenario")
}

func TestForecast(t *testing.T) {
	f, err := Parse([]byte(twoGates))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := Build(f, sim.NewKernel(), zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.RunUntil(5 * us)

	segs, ok := n.Forecast("p0", 30*us)
	if !ok {
		t.Fatal("p0 has no forecast")
	}
	var parts []string
	for _, s := range segs {
		parts = append(parts, fmt.Sprintf("%d-%d:%s", s.StartNs/1000, s.EndNs/1000, s.Value))
	}
	want := "5-10:10000000 10-20:01000000 20-30:10000000 30-35:01000000"
	if got := strings.Join(parts, " "); got != want {
		t.Fatalf("forecast = %q, want %q", got, want)
	}
	if _, ok := n.Forecast("missing", us); ok {
		t.Error("unknown manager has a forecast")
	}
}
