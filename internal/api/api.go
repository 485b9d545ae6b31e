/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api serves a read-only JSON view of a running network.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/gate"
	"github.com/friendsincode/tsngate/internal/logbuffer"
	"github.com/friendsincode/tsngate/internal/scenario"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
)

const (
	defaultLookahead = time.Millisecond
	defaultHorizon   = time.Millisecond
	maxHorizon       = time.Second
	defaultLogLimit  = 500
)

// API exposes HTTP handlers. Every engine read is serialised onto the
// kernel goroutine through exec.
type API struct {
	network   *scenario.Network
	exec      sim.Executor
	logBuffer *logbuffer.Buffer
	startedAt time.Time
	logger    zerolog.Logger
}

// New creates the API router wrapper. logBuf may be nil.
func New(n *scenario.Network, exec sim.Executor, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		network:   n,
		exec:      exec,
		logBuffer: logBuf,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/managers", func(r chi.Router) {
			r.Get("/", a.handleManagersList)
			r.Get("/{name}", a.handleManagerGet)
			r.Get("/{name}/forecast", a.handleManagerForecast)
			r.Get("/{name}/schedule", a.handleManagerSchedule)
		})

		r.Route("/ports/{name}", func(r chi.Router) {
			r.Get("/gates", a.handleGatesList)
			r.Get("/gates/{gate}/until-close", a.handleGateUntilClose)
		})

		r.Get("/clocks", a.handleClocks)

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", a.handleLogs)
			r.Get("/stats", a.handleLogStats)
		})
	})
}

// run executes fn on the kernel goroutine. It writes the error response
// itself and reports whether fn ran.
func (a *API) run(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := a.exec.Do(r.Context(), fn); err != nil {
		if errors.Is(err, sim.ErrPacerStopped) {
			writeError(w, http.StatusServiceUnavailable, "engine_stopped")
		} else {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("engine call aborted")
			writeError(w, http.StatusServiceUnavailable, "engine_unavailable")
		}
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"scenario":       a.network.Name,
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
	})
}

func (a *API) handleManagersList(w http.ResponseWriter, r *http.Request) {
	var (
		snaps []scheduler.Snapshot
		now   time.Duration
	)
	if !a.run(w, r, func() {
		snaps = a.network.Snapshots()
		now = a.network.Kernel.Now()
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"virtual_time_ns": now.Nanoseconds(),
		"managers":        snaps,
	})
}

func (a *API) handleManagerGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		snap scheduler.Snapshot
		ok   bool
	)
	if !a.run(w, r, func() { snap, ok = a.network.Snapshot(name) }) {
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "manager_not_found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleManagerForecast(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	horizon, err := durationParam(r, "horizon", defaultHorizon)
	if err != nil || horizon <= 0 || horizon > maxHorizon {
		writeError(w, http.StatusBadRequest, "invalid_horizon")
		return
	}

	var (
		segs []scenario.ForecastSegment
		ok   bool
	)
	if !a.run(w, r, func() { segs, ok = a.network.Forecast(name, horizon) }) {
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "manager_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manager":    name,
		"horizon_ns": horizon.Nanoseconds(),
		"segments":   segs,
	})
}

func (a *API) handleManagerSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		scheds scenario.ManagerSchedules
		ok     bool
	)
	if !a.run(w, r, func() { scheds, ok = a.network.Schedules(name) }) {
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "manager_not_found")
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

type gateView struct {
	Index       int    `json:"index"`
	Open        bool   `json:"open"`
	Transitions uint64 `json:"transitions"`
}

func (a *API) handleGatesList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		gates []gateView
		open  gate.Bitvector
		found bool
	)
	if !a.run(w, r, func() {
		port, ok := a.network.Port(name)
		if !ok {
			return
		}
		found = true
		open = port.OpenGates()
		for _, g := range port.Gates() {
			gates = append(gates, gateView{Index: g.Index(), Open: g.IsOpen(), Transitions: g.Transitions()})
		}
	}) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "port_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"port":       name,
		"open_gates": open,
		"gates":      gates,
	})
}

func (a *API) handleGateUntilClose(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	index, err := strconv.Atoi(chi.URLParam(r, "gate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_gate")
		return
	}
	lookahead, err := durationParam(r, "lookahead", defaultLookahead)
	if err != nil || lookahead < 0 {
		writeError(w, http.StatusBadRequest, "invalid_lookahead")
		return
	}

	var (
		until  time.Duration
		open   bool
		found  bool
		gErr   error
		localT time.Duration
	)
	if !a.run(w, r, func() {
		port, ok := a.network.Port(name)
		if !ok {
			return
		}
		found = true
		m := port.Manager()
		localT = m.Clock().UpdateAndGetLocalTime()
		until, gErr = m.TimeUntilGateClose(index, lookahead)
		if gErr == nil {
			open = m.OperState().Test(index)
		}
	}) {
		return
	}
	switch {
	case !found:
		writeError(w, http.StatusNotFound, "port_not_found")
		return
	case errors.Is(gErr, gate.ErrInvalidGate):
		writeError(w, http.StatusBadRequest, "invalid_gate")
		return
	case gErr != nil:
		a.logger.Error().Err(gErr).Str("port", name).Int("gate", index).Msg("time until gate close failed")
		writeError(w, http.StatusInternalServerError, "engine_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"port":           name,
		"gate":           index,
		"open":           open,
		"local_time_ns":  localT.Nanoseconds(),
		"lookahead_ns":   lookahead.Nanoseconds(),
		"until_close_ns": until.Nanoseconds(),
	})
}

func (a *API) handleClocks(w http.ResponseWriter, r *http.Request) {
	var clocks []scenario.ClockStatus
	if !a.run(w, r, func() { clocks = a.network.Clocks() }) {
		return
	}
	writeJSON(w, http.StatusOK, clocks)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		Manager:    q.Get("manager"),
		Search:     q.Get("search"),
		Limit:      defaultLogLimit,
		Descending: q.Get("order") != "asc",
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = n
	}

	entries := a.logBuffer.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.StatsForManager(r.URL.Query().Get("manager")))
}

func durationParam(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
