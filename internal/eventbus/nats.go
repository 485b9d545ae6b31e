/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Token   string
	Subject string // subject prefix

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "tsngate.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// natsPublisher is the part of *nats.Conn the exporter uses.
type natsPublisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSExporter publishes events on <subject>.<event_type>.
type NATSExporter struct {
	conn    natsPublisher
	cfg     NATSConfig
	nodeID  string
	breaker *breaker
	logger  zerolog.Logger
}

var _ Exporter = (*NATSExporter)(nil)

// NewNATSExporter connects to NATS. Reconnects are handled by the client.
func NewNATSExporter(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSExporter, error) {
	log := logger.With().Str("component", "nats_exporter").Logger()

	opts := []nats.Option{
		nats.Name("tsngate-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS event exporter initialized")
	return newNATSExporter(nc, cfg, nodeID, logger), nil
}

func newNATSExporter(conn natsPublisher, cfg NATSConfig, nodeID string, logger zerolog.Logger) *NATSExporter {
	return &NATSExporter{
		conn:    conn,
		cfg:     cfg,
		nodeID:  nodeID,
		breaker: newBreaker(cfg.MaxFailures, cfg.CheckInterval),
		logger:  logger.With().Str("component", "nats_exporter").Logger(),
	}
}

// Export publishes one event. The client buffers it; delivery errors show
// up on a later call.
func (ne *NATSExporter) Export(ctx context.Context, eventType events.EventType, payload events.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ne.breaker.allow() {
		return ErrCircuitOpen
	}

	data, err := marshalMessage(eventType, payload, ne.nodeID)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	subject := subjectFor(ne.cfg.Subject, eventType)
	err = ne.conn.Publish(subject, data)
	if ne.breaker.record(err) {
		ne.logger.Warn().
			Int("max_failures", ne.breaker.maxFails).
			Dur("retry_after", ne.breaker.retryAfter).
			Msg("NATS failure threshold reached, pausing export")
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and drains the connection.
func (ne *NATSExporter) Close() error {
	ne.logger.Info().Msg("closing NATS event exporter")
	timeout := ne.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := ne.conn.FlushTimeout(timeout); err != nil {
		ne.logger.Warn().Err(err).Msg("NATS flush failed")
	}
	if err := ne.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
