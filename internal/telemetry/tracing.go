/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is reported when TracerConfig.ServiceName is empty.
const DefaultServiceName = "tsngate"

const simTracer = "github.com/friendsincode/tsngate/scenario"

// Span attribute keys. Times are simulated nanoseconds.
const (
	AttrScenario   = attribute.Key("tsn.scenario")
	AttrAction     = attribute.Key("tsn.change.action")
	AttrTarget     = attribute.Key("tsn.change.target")
	AttrKernelTime = attribute.Key("tsn.kernel_time_ns")
	AttrLocalTime  = attribute.Key("tsn.local_time_ns")
	AttrUntil      = attribute.Key("tsn.until_ns")
	AttrEvents     = attribute.Key("tsn.kernel_events")
	AttrChanges    = attribute.Key("tsn.state_changes")
	AttrUpdated    = attribute.Key("tsn.reload.updated")
	AttrIgnored    = attribute.Key("tsn.reload.ignored")
)

// TracerConfig contains configuration for OpenTelemetry tracing.
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g., "localhost:4317"
	Enabled        bool
	SampleRate     float64 // 0.0 to 1.0
}

// TracerProvider owns the SDK provider installed by InitTracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   zerolog.Logger
}

// InitTracer installs the global tracer provider. When tracing is disabled a
// no-op provider is installed and Shutdown does nothing.
func InitTracer(ctx context.Context, cfg TracerConfig, logger zerolog.Logger) (*TracerProvider, error) {
	if !cfg.Enabled {
		logger.Info().Msg("tracing disabled")
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return &TracerProvider{logger: logger}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("service_name", cfg.ServiceName).
		Str("otlp_endpoint", cfg.OTLPEndpoint).
		Float64("sample_rate", cfg.SampleRate).
		Msg("tracing enabled")
	return &TracerProvider{provider: tp, logger: logger}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tp.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	tp.logger.Info().Msg("tracer provider shut down")
	return nil
}

// StartRun starts the span covering a batch run of scenario up to until.
func StartRun(ctx context.Context, scenario string, until time.Duration) (context.Context, trace.Span) {
	return otel.Tracer(simTracer).Start(ctx, "simulation.run", trace.WithAttributes(
		AttrScenario.String(scenario),
		AttrUntil.Int64(until.Nanoseconds()),
	))
}

// EndRun records the outcome of a run and ends span.
func EndRun(span trace.Span, events uint64, end time.Duration, changes int, err error) {
	span.SetAttributes(
		AttrEvents.Int64(int64(events)),
		AttrKernelTime.Int64(end.Nanoseconds()),
		AttrChanges.Int(changes),
	)
	fail(span, err)
	span.End()
}

// StartReload starts the span covering a live scenario reload at kernel time
// now.
func StartReload(ctx context.Context, scenario string, now time.Duration) (context.Context, trace.Span) {
	return otel.Tracer(simTracer).Start(ctx, "scenario.reload", trace.WithAttributes(
		AttrScenario.String(scenario),
		AttrKernelTime.Int64(now.Nanoseconds()),
	))
}

// EndReload records what a reload touched and ends span.
func EndReload(span trace.Span, updated, ignored []string, err error) {
	span.SetAttributes(
		AttrUpdated.StringSlice(updated),
		AttrIgnored.StringSlice(ignored),
	)
	fail(span, err)
	span.End()
}

// RecordChange emits a span for one timed scenario change. local is the
// local time of the clock the target runs on, or negative when unknown.
func RecordChange(ctx context.Context, action, target string, kernel, local time.Duration, err error) {
	attrs := []attribute.KeyValue{
		AttrAction.String(action),
		AttrTarget.String(target),
		AttrKernelTime.Int64(kernel.Nanoseconds()),
	}
	if local >= 0 {
		attrs = append(attrs, AttrLocalTime.Int64(local.Nanoseconds()))
	}
	_, span := otel.Tracer(simTracer).Start(ctx, "scenario.change", trace.WithAttributes(attrs...))
	fail(span, err)
	span.End()
}

func fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
