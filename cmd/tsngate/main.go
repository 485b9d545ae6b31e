/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/tsngate/internal/config"
	"github.com/friendsincode/tsngate/internal/logbuffer"
	"github.com/friendsincode/tsngate/internal/logging"
	"github.com/friendsincode/tsngate/internal/server"
	"github.com/friendsincode/tsngate/internal/telemetry"
	"github.com/friendsincode/tsngate/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "tsngate",
	Short:         "tsngate - IEEE 802.1Q gate control simulator",
	Long:          "tsngate simulates time-aware gate control lists and scheduled talkers on drifting clocks.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a scenario in scaled real time and serve the HTTP API",
	Long: `Run the scenario named by TSNGATE_SCENARIO, paced against the wall clock
by TSNGATE_TIME_SCALE, and serve its state over HTTP.

Configuration is read from TSNGATE_* environment variables.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf := logbuffer.New(cfg.LogBufferSize)
	logger := logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	logger.Info().Str("version", version.Version).Str("scenario", cfg.ScenarioPath).Msg("tsngate starting")

	tracerProvider, err := telemetry.InitTracer(cmd.Context(), telemetry.TracerConfig{
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer shutdownTracer(tracerProvider, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	srv.Start(ctx)

	httpServer := srv.HTTPServer()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error().Err(err).Msg("http server error")
	}

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("tsngate stopped")
	return nil
}

func shutdownTracer(tp *telemetry.TracerProvider, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown tracer provider")
	}
}
