/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scenario

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/sim"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a scenario file into a running network when it changes.
type Watcher struct {
	path     string
	network  *Network
	exec     sim.Executor
	debounce time.Duration
	logger   zerolog.Logger

	// OnReload, when set, is called after every reload attempt.
	OnReload func(ReloadResult, error)

	mu       sync.Mutex
	lastHash uint64
	timer    *time.Timer
}

// NewWatcher creates a watcher for path. Reloads run on the kernel goroutine
// through exec.
func NewWatcher(path string, n *Network, exec sim.Executor, logger zerolog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		network:  n,
		exec:     exec,
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "scenario_watcher").Str("path", path).Logger(),
	}
	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = hashBytes(data)
	}
	return w
}

// SetDebounce overrides DefaultDebounce.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches the directory of the scenario file until ctx is done. The
// fsnotify watcher is recreated with backoff when it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase

	defer w.stopTimer()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("scenario watch init failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, restartBackoffMax)
			continue
		}

		backoff = restartBackoffBase
		w.logger.Debug().Msg("scenario watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.schedule(ctx)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.logger.Warn().Err(err).Msg("scenario watch overflow; forcing reload")
					w.schedule(ctx)
					continue
				}
				w.logger.Warn().Err(err).Msg("scenario watch error")
			}
		}

		_ = fw.Close()
		w.logger.Warn().Dur("backoff", backoff).Msg("scenario watcher stopped; restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// schedule (re)starts the debounce timer.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if _, err := w.Reload(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("scenario reload rejected")
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload reads the file and applies it unless its content is unchanged.
func (w *Watcher) Reload(ctx context.Context) (ReloadResult, error) {
	var res ReloadResult
	data, err := os.ReadFile(w.path)
	if err != nil {
		return res, fmt.Errorf("read scenario: %w", err)
	}

	h := hashBytes(data)
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug().Msg("scenario unchanged; skipping reload")
		return res, nil
	}

	f, err := Parse(data)
	if err == nil {
		var reloadErr error
		if doErr := w.exec.Do(ctx, func() { res, reloadErr = w.network.Reload(ctx, f) }); doErr != nil {
			err = doErr
		} else {
			err = reloadErr
		}
	}
	if err == nil {
		w.mu.Lock()
		w.lastHash = h
		w.mu.Unlock()
	}
	if w.OnReload != nil {
		w.OnReload(res, err)
	}
	return res, err
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
