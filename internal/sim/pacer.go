/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/rs/zerolog"
)

// ErrPacerStopped is returned by Do once the pacer has stopped.
var ErrPacerStopped = errors.New("pacer stopped")

// Executor runs a function on the goroutine that owns the kernel.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Inline runs functions on the calling goroutine. It is only safe when the
// caller already owns the kernel, as in tests and batch runs.
type Inline struct{}

// Do calls fn directly.
func (Inline) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

// PacerConfig configures real-time pacing.
type PacerConfig struct {
	// TimeScale is virtual time per wall-clock time. 1.0 runs in real time,
	// 0.001 runs a thousand times slower.
	TimeScale float64
	// Resolution is the wall-clock interval between kernel advances.
	Resolution time.Duration
}

// Pacer advances a Kernel along wall-clock time from an event loop. Work
// handed to Do runs on the same loop, so it never races the kernel.
type Pacer struct {
	kernel *Kernel
	cfg    PacerConfig
	loop   *eventloop.Loop
	done   chan struct{}
	logger zerolog.Logger

	wallStart    time.Time
	virtualStart time.Duration
}

// NewPacer creates a pacer for kernel.
func NewPacer(kernel *Kernel, cfg PacerConfig, logger zerolog.Logger) (*Pacer, error) {
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = 10 * time.Millisecond
	}
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	return &Pacer{
		kernel: kernel,
		cfg:    cfg,
		loop:   loop,
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "pacer").Logger(),
	}, nil
}

// Run drives the kernel until ctx is cancelled.
func (p *Pacer) Run(ctx context.Context) error {
	defer close(p.done)

	if err := p.loop.Submit(func() {
		p.wallStart = time.Now()
		p.virtualStart = p.kernel.Now()
		p.logger.Info().
			Float64("time_scale", p.cfg.TimeScale).
			Dur("resolution", p.cfg.Resolution).
			Msg("pacer started")
		p.arm()
	}); err != nil {
		return fmt.Errorf("start pacer: %w", err)
	}

	err := p.loop.Run(ctx)
	p.logger.Info().Dur("virtual_time", p.kernel.Now()).Msg("pacer stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// arm schedules the next kernel advance one resolution from now.
func (p *Pacer) arm() {
	if _, err := p.loop.ScheduleTimer(p.cfg.Resolution, p.advance); err != nil {
		p.logger.Debug().Err(err).Msg("pacer timer not armed")
	}
}

func (p *Pacer) advance() {
	elapsed := time.Since(p.wallStart)
	p.kernel.RunUntil(p.virtualStart + time.Duration(float64(elapsed)*p.cfg.TimeScale))
	p.arm()
}

// Do runs fn on the pacer loop and waits for it to finish.
func (p *Pacer) Do(ctx context.Context, fn func()) error {
	select {
	case <-p.done:
		return ErrPacerStopped
	default:
	}

	finished := make(chan struct{})
	if err := p.loop.Submit(func() { fn(); close(finished) }); err != nil {
		if errors.Is(err, eventloop.ErrLoopTerminated) {
			return ErrPacerStopped
		}
		return err
	}
	select {
	case <-finished:
		return nil
	case <-p.done:
		return ErrPacerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
