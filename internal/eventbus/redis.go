/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Subject  string // channel prefix

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		Subject:        "tsngate.events",
		PoolSize:       10,
		MinIdleConns:   2,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PublishTimeout: 2 * time.Second,
		MaxFailures:    5,
		CheckInterval:  30 * time.Second,
	}
}

// redisPublisher is the part of *redis.Client the exporter uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisExporter publishes events with PUBLISH on <subject>.<event_type>.
type RedisExporter struct {
	client  redisPublisher
	cfg     RedisConfig
	nodeID  string
	breaker *breaker
	logger  zerolog.Logger
}

var _ Exporter = (*RedisExporter)(nil)

// NewRedisExporter connects to Redis and verifies the connection.
func NewRedisExporter(ctx context.Context, cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisExporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("addr", cfg.Addr).Str("subject", cfg.Subject).Msg("Redis event exporter initialized")
	return newRedisExporter(client, cfg, nodeID, logger), nil
}

func newRedisExporter(client redisPublisher, cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisExporter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &RedisExporter{
		client:  client,
		cfg:     cfg,
		nodeID:  nodeID,
		breaker: newBreaker(cfg.MaxFailures, cfg.CheckInterval),
		logger:  logger.With().Str("component", "redis_exporter").Logger(),
	}
}

// Export publishes one event.
func (re *RedisExporter) Export(ctx context.Context, eventType events.EventType, payload events.Payload) error {
	if !re.breaker.allow() {
		return ErrCircuitOpen
	}

	data, err := marshalMessage(eventType, payload, re.nodeID)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, re.cfg.PublishTimeout)
	defer cancel()

	channel := subjectFor(re.cfg.Subject, eventType)
	err = re.client.Publish(pubCtx, channel, data).Err()
	if re.breaker.record(err) {
		re.logger.Warn().
			Int("max_failures", re.breaker.maxFails).
			Dur("retry_after", re.breaker.retryAfter).
			Msg("Redis failure threshold reached, pausing export")
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	re.logger.Debug().
		Str("channel", channel).
		Str("node_id", re.nodeID).
		Msg("published event to Redis")
	return nil
}

// Close closes the Redis client.
func (re *RedisExporter) Close() error {
	re.logger.Info().Msg("closing Redis event exporter")
	if err := re.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
