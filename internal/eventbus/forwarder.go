/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/friendsincode/tsngate/internal/events"
)

// ForwarderConfig tunes a Forwarder.
type ForwarderConfig struct {
	Backend       string             // label for metrics and logs
	Types         []events.EventType // defaults to events.AllEventTypes
	RatePerSec    int                // export budget, 0 = unlimited
	ExportTimeout time.Duration
	Failures      prometheus.Counter // optional

	// Active, when set, gates every export. Events received while it
	// reports false are skipped.
	Active func() bool
}

// Forwarder copies events from the in-process bus to an exporter. Export
// failures are logged and counted; they never reach the publisher.
type Forwarder struct {
	bus      *events.Bus
	exporter Exporter
	cfg      ForwarderConfig
	limiter  *rate.Limiter
	logger   zerolog.Logger

	mu      sync.Mutex
	subs    map[events.EventType]events.Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sent    uint64
	dropped uint64
	skipped uint64
}

// NewForwarder creates a forwarder. Call Start to begin forwarding.
func NewForwarder(bus *events.Bus, exporter Exporter, cfg ForwarderConfig, logger zerolog.Logger) *Forwarder {
	if len(cfg.Types) == 0 {
		cfg.Types = events.AllEventTypes
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 2 * time.Second
	}
	f := &Forwarder{
		bus:      bus,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "event_forwarder").Str("backend", cfg.Backend).Logger(),
	}
	if cfg.RatePerSec > 0 {
		// burst = rate per sec, so short spikes don't block too hard
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return f
}

// Start subscribes to the bus and forwards until ctx is done or Stop is
// called. Starting twice has no effect.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.subs = make(map[events.EventType]events.Subscriber, len(f.cfg.Types))
	for _, et := range f.cfg.Types {
		sub := f.bus.Subscribe(et)
		f.subs[et] = sub
		f.wg.Add(1)
		go f.forward(runCtx, et, sub)
	}
	f.logger.Info().Int("event_types", len(f.cfg.Types)).Msg("event forwarder started")
}

func (f *Forwarder) forward(ctx context.Context, et events.EventType, sub events.Subscriber) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			f.export(ctx, et, payload)
		}
	}
}

func (f *Forwarder) export(ctx context.Context, et events.EventType, payload events.Payload) {
	if f.cfg.Active != nil && !f.cfg.Active() {
		f.mu.Lock()
		f.skipped++
		f.mu.Unlock()
		return
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
	}

	exportCtx, cancel := context.WithTimeout(ctx, f.cfg.ExportTimeout)
	defer cancel()

	if err := f.exporter.Export(exportCtx, et, payload); err != nil {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		if f.cfg.Failures != nil {
			f.cfg.Failures.Inc()
		}
		if !errors.Is(err, ErrCircuitOpen) {
			f.logger.Warn().Err(err).Str("event_type", string(et)).Msg("event export failed")
		}
		return
	}
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
}

// Stats returns the number of exported and failed events.
func (f *Forwarder) Stats() (sent, failed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.dropped
}

// Skipped returns the number of events not exported because Active
// reported false.
func (f *Forwarder) Skipped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Stop unsubscribes from the bus and waits for in-flight exports.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.subs == nil {
		f.mu.Unlock()
		return
	}
	f.cancel()
	for et, sub := range f.subs {
		f.bus.Unsubscribe(et, sub)
	}
	f.subs = nil
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info().Msg("event forwarder stopped")
}
