/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/api"
	"github.com/friendsincode/tsngate/internal/config"
	"github.com/friendsincode/tsngate/internal/eventbus"
	"github.com/friendsincode/tsngate/internal/events"
	"github.com/friendsincode/tsngate/internal/leadership"
	"github.com/friendsincode/tsngate/internal/logbuffer"
	"github.com/friendsincode/tsngate/internal/scenario"
	"github.com/friendsincode/tsngate/internal/scheduler"
	"github.com/friendsincode/tsngate/internal/sim"
	"github.com/friendsincode/tsngate/internal/telemetry"
)

// Server bundles the paced engine, the HTTP API and the event export.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	registry    *prometheus.Registry
	httpMetrics *telemetry.HTTPMetrics
	kernel      *sim.Kernel
	pacer       *sim.Pacer
	network     *scenario.Network
	bus         *events.Bus
	logBuffer   *logbuffer.Buffer
	api         *api.API
	watcher     *scenario.Watcher
	forwarder   *eventbus.Forwarder
	election    *leadership.Election

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New loads the scenario named by cfg and wires every component. Call Start
// to run the engine.
func New(ctx context.Context, cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		registry:  prometheus.NewRegistry(),
		kernel:    sim.NewKernel(),
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(requestLogger(logger))
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(securityHeadersMiddleware)
	srv.router.Use(telemetry.TracingMiddleware(telemetry.DefaultServiceName))
	srv.router.Use(srv.httpMetrics.Middleware)
	srv.router.Use(middleware.Timeout(30 * time.Second))
	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request served")
		})
	}
}

func (s *Server) initDependencies(ctx context.Context) error {
	file, err := scenario.Load(s.cfg.ScenarioPath)
	if err != nil {
		return err
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	scheduleMetrics, err := telemetry.NewScheduleMetrics(s.registry)
	if err != nil {
		return fmt.Errorf("register schedule metrics: %w", err)
	}
	runtimeMetrics, err := telemetry.NewRuntimeMetrics(s.registry)
	if err != nil {
		return fmt.Errorf("register runtime metrics: %w", err)
	}
	s.httpMetrics, err = telemetry.NewHTTPMetrics(s.registry)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	runtimeMetrics.ObserveKernel(s.kernel)
	s.bus.OnDrop(func(_ events.EventType, n int) {
		runtimeMetrics.EventsDropped.Add(float64(n))
	})

	s.network, err = scenario.Build(file, s.kernel, s.logger, scenario.Options{
		Bus:       s.bus,
		Observers: []scheduler.Observer{scheduleMetrics},
	})
	if err != nil {
		return fmt.Errorf("build scenario: %w", err)
	}

	s.pacer, err = sim.NewPacer(s.kernel, sim.PacerConfig{
		TimeScale:  s.cfg.TimeScale,
		Resolution: s.cfg.Resolution,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("create pacer: %w", err)
	}
	s.api = api.New(s.network, s.pacer, s.logBuffer, s.logger)

	if s.cfg.WatchScenario {
		s.watcher = scenario.NewWatcher(s.cfg.ScenarioPath, s.network, s.pacer, s.logger)
	}

	exporter, err := s.newExporter(ctx)
	if err != nil {
		return err
	}
	if exporter != nil {
		s.DeferClose(exporter.Close)
		backend := string(s.cfg.ExportBackend)
		fcfg := eventbus.ForwarderConfig{
			Backend:  backend,
			Failures: runtimeMetrics.ExportFailures.WithLabelValues(backend),
		}
		if s.cfg.ExportLeaderElection {
			if err := s.initElection(ctx, runtimeMetrics); err != nil {
				return err
			}
			fcfg.Active = s.election.IsLeader
		}
		s.forwarder = eventbus.NewForwarder(s.bus, exporter, fcfg, s.logger)
	}
	return nil
}

func (s *Server) initElection(ctx context.Context, m *telemetry.RuntimeMetrics) error {
	ecfg := leadership.DefaultConfig()
	ecfg.RedisAddr = s.cfg.RedisAddr
	ecfg.RedisPassword = s.cfg.RedisPassword
	ecfg.RedisDB = s.cfg.RedisDB
	ecfg.ElectionKey = s.cfg.ElectionKey
	ecfg.LeaseDuration = s.cfg.LeaseDuration
	ecfg.RenewalInterval = s.cfg.LeaseDuration / 3
	ecfg.InstanceID = s.cfg.InstanceID
	ecfg.Status = m.LeaderStatus
	ecfg.Changes = m.LeaderChanges

	election, err := leadership.NewElection(ctx, ecfg, s.logger)
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}
	s.election = election
	return nil
}

func (s *Server) newExporter(ctx context.Context) (eventbus.Exporter, error) {
	switch s.cfg.ExportBackend {
	case config.ExportRedis:
		rc := eventbus.DefaultRedisConfig()
		rc.Addr = s.cfg.RedisAddr
		rc.Password = s.cfg.RedisPassword
		rc.DB = s.cfg.RedisDB
		rc.Subject = s.cfg.ExportSubject
		ex, err := eventbus.NewRedisExporter(ctx, rc, s.cfg.InstanceID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("redis exporter: %w", err)
		}
		return ex, nil
	case config.ExportNATS:
		nc := eventbus.DefaultNATSConfig()
		nc.URL = s.cfg.NATSURL
		nc.Subject = s.cfg.ExportSubject
		ex, err := eventbus.NewNATSExporter(nc, s.cfg.InstanceID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("nats exporter: %w", err)
		}
		return ex, nil
	}
	return nil, nil
}

// Start runs the pacer, the scenario watcher and the event forwarder until
// Close.
func (s *Server) Start(ctx context.Context) {
	if s.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.pacer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("pacer exited")
		}
	}()

	if s.watcher != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.watcher.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scenario watcher exited")
			}
		}()
	}

	if s.election != nil {
		s.election.Start(ctx)
	}
	if s.forwarder != nil {
		s.forwarder.Start(ctx)
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.forwarder != nil {
		s.forwarder.Stop()
	}
	if s.election != nil {
		if err := s.election.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("leader election stop failed")
		}
		s.election = nil
	}
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the background workers and releases owned resources in
// reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler(s.registry))

	s.api.Routes(s.router)
}
