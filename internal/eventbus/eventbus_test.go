/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/events"
)

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
	closed   bool
}

func (f *fakeRedis) Publish(_ context.Context, channel string, msg interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, msg.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisExporterPublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	cfg := DefaultRedisConfig()
	ex := newRedisExporter(fake, cfg, "node-a", zerolog.Nop())

	err := ex.Export(context.Background(), events.EventConfigChange, events.Payload{"manager": "p0"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(fake.channels) != 1 || fake.channels[0] != "tsngate.events.schedule.config_change" {
		t.Fatalf("channels = %v", fake.channels)
	}
	msg, err := unmarshalMessage(fake.payloads[0])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.NodeID != "node-a" || msg.EventType != events.EventConfigChange || msg.Payload["manager"] != "p0" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.MessageID == "" {
		t.Fatal("message id missing")
	}

	if err := ex.Close(); err != nil || !fake.closed {
		t.Fatalf("Close: %v closed=%v", err, fake.closed)
	}
}

func TestRedisExporterOpensCircuit(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	cfg := DefaultRedisConfig()
	cfg.MaxFailures = 2
	ex := newRedisExporter(fake, cfg, "node-a", zerolog.Nop())
	now := time.Unix(1000, 0)
	ex.breaker.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := ex.Export(context.Background(), events.EventCycleStart, nil); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if err := ex.Export(context.Background(), events.EventCycleStart, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	// one trial publish goes through after the check interval
	fake.err = nil
	now = now.Add(cfg.CheckInterval)
	if err := ex.Export(context.Background(), events.EventCycleStart, nil); err != nil {
		t.Fatalf("trial publish: %v", err)
	}
	if err := ex.Export(context.Background(), events.EventCycleStart, nil); err != nil {
		t.Fatalf("after recovery: %v", err)
	}
}

type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	err      error
	drained  bool
}

func (f *fakeNATS) Publish(subj string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	return nil
}

func (f *fakeNATS) FlushTimeout(time.Duration) error { return nil }

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSExporter(t *testing.T) {
	fake := &fakeNATS{}
	cfg := DefaultNATSConfig()
	cfg.Subject = ""
	ex := newNATSExporter(fake, cfg, "node-b", zerolog.Nop())

	if err := ex.Export(context.Background(), events.EventClockPhaseJump, events.Payload{"clock": "c0"}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(fake.subjects) != 1 || fake.subjects[0] != "clock.phase_jump" {
		t.Fatalf("subjects = %v", fake.subjects)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ex.Export(ctx, events.EventClockPhaseJump, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled export err = %v", err)
	}

	if err := ex.Close(); err != nil || !fake.drained {
		t.Fatalf("Close: %v drained=%v", err, fake.drained)
	}
}

type recordingExporter struct {
	mu    sync.Mutex
	got   []events.EventType
	fail  bool
	calls chan struct{}
}

func (r *recordingExporter) Export(_ context.Context, et events.EventType, _ events.Payload) error {
	defer func() { r.calls <- struct{}{} }()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.got = append(r.got, et)
	return nil
}

func (r *recordingExporter) Close() error { return nil }

func waitCalls(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d exports", i, n)
		}
	}
}

func TestForwarderExportsBusEvents(t *testing.T) {
	bus := events.NewBus()
	ex := &recordingExporter{calls: make(chan struct{}, 10)}
	f := NewForwarder(bus, ex, ForwarderConfig{
		Backend: "test",
		Types:   []events.EventType{events.EventConfigChange, events.EventConfigError},
	}, zerolog.Nop())

	f.Start(context.Background())
	f.Start(context.Background())
	bus.Publish(events.EventConfigChange, events.Payload{})
	bus.Publish(events.EventConfigError, events.Payload{})
	bus.Publish(events.EventCycleStart, events.Payload{})
	waitCalls(t, ex.calls, 2)
	f.Stop()
	f.Stop()

	if sent, failed := f.Stats(); sent != 2 || failed != 0 {
		t.Fatalf("stats = %d/%d", sent, failed)
	}
}

func TestForwarderCountsFailures(t *testing.T) {
	bus := events.NewBus()
	ex := &recordingExporter{fail: true, calls: make(chan struct{}, 10)}
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "failures"})
	f := NewForwarder(bus, ex, ForwarderConfig{
		Backend:    "test",
		Types:      []events.EventType{events.EventCycleStart},
		RatePerSec: 100,
		Failures:   failures,
	}, zerolog.Nop())

	f.Start(context.Background())
	bus.Publish(events.EventCycleStart, events.Payload{})
	bus.Publish(events.EventCycleStart, events.Payload{})
	waitCalls(t, ex.calls, 2)
	f.Stop()

	if got := testutil.ToFloat64(failures); got != 2 {
		t.Fatalf("failures = %v", got)
	}
	if _, failed := f.Stats(); failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestForwarderSkipsWhileInactive(t *testing.T) {
	bus := events.NewBus()
	ex := &recordingExporter{calls: make(chan struct{}, 10)}
	var leader atomic.Bool
	f := NewForwarder(bus, ex, ForwarderConfig{
		Backend: "test",
		Types:   []events.EventType{events.EventCycleStart},
		Active:  leader.Load,
	}, zerolog.Nop())

	f.Start(context.Background())
	defer f.Stop()

	bus.Publish(events.EventCycleStart, events.Payload{})
	deadline := time.Now().Add(2 * time.Second)
	for f.Skipped() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("skipped = %d", f.Skipped())
		}
		time.Sleep(time.Millisecond)
	}

	leader.Store(true)
	bus.Publish(events.EventCycleStart, events.Payload{})
	waitCalls(t, ex.calls, 1)
	f.Stop()
	if sent, _ := f.Stats(); sent != 1 {
		t.Fatalf("sent = %d", sent)
	}
}
