/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one exporting instance among replicas that run
// the same scenario.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultElectionKey     = "tsngate:leader:export"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// releaseScript deletes the key only while we still own it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ElectionConfig configures leader election behavior.
type ElectionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey holds the leader's instance id.
	ElectionKey string

	// LeaseDuration is how long the lease stays valid without renewal.
	LeaseDuration time.Duration

	// RenewalInterval is how often the lease is acquired or renewed.
	RenewalInterval time.Duration

	InstanceID string

	// Status is set to 1 while leader. Changes counts transitions by
	// direction ("acquired", "lost"). Both are optional.
	Status  prometheus.Gauge
	Changes *prometheus.CounterVec
}

// DefaultConfig returns default election configuration.
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		RedisAddr:       "localhost:6379",
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
	}
}

// lockStore is the part of *redis.Client the election uses.
type lockStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Close() error
}

// Election manages a lease held in a single Redis key.
type Election struct {
	client lockStore
	logger zerolog.Logger
	config ElectionConfig

	isLeader atomic.Bool
	leaderCh chan bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewElection connects to Redis and verifies the connection.
func NewElection(ctx context.Context, config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Str("instance_id", config.InstanceID).
		Msg("connected to Redis for leader election")

	return newElection(client, config, logger), nil
}

func newElection(client lockStore, config ElectionConfig, logger zerolog.Logger) *Election {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}
	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
	}
}

// Start campaigns until ctx is done or Stop is called. The first attempt
// runs before Start returns.
func (e *Election) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.logger.Info().Dur("lease_duration", e.config.LeaseDuration).Msg("starting leader election")
	e.attemptLeadership(ctx)
	go e.campaignLoop(ctx, e.done)
}

// Stop ends the campaign, releases the lease if held and closes the Redis
// connection.
func (e *Election) Stop() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	e.mu.Unlock()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.releaseLock(ctx); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership lock")
		}
		e.updateLeadershipStatus(false)
	}
	return e.client.Close()
}

// IsLeader reports whether this instance holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh receives leadership changes. Changes are dropped when the
// receiver lags behind.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// GetLeader returns the current leader instance ID, or "" if there is none.
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaignLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attemptLeadership(ctx)
		}
	}
}

func (e *Election) attemptLeadership(ctx context.Context) {
	acquired, err := e.acquireLock(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("failed to acquire leadership lock")
		}
		e.updateLeadershipStatus(false)
		return
	}
	e.updateLeadershipStatus(acquired)
}

// acquireLock takes the lease with SET NX, or renews it when we already own
// it.
func (e *Election) acquireLock(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get current leader: %w", err)
	}
	if current != e.config.InstanceID {
		return false, nil
	}
	if err := e.client.Expire(ctx, e.config.ElectionKey, e.config.LeaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return true, nil
}

func (e *Election) releaseLock(ctx context.Context) error {
	if err := e.client.Eval(ctx, releaseScript, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("released leadership lock")
	return nil
}

func (e *Election) updateLeadershipStatus(isLeader bool) {
	if e.isLeader.Swap(isLeader) == isLeader {
		return
	}

	direction := "lost"
	if isLeader {
		direction = "acquired"
		e.logger.Info().Msg("acquired leadership")
	} else {
		e.logger.Warn().Msg("lost leadership")
	}
	if e.config.Status != nil {
		if isLeader {
			e.config.Status.Set(1)
		} else {
			e.config.Status.Set(0)
		}
	}
	if e.config.Changes != nil {
		e.config.Changes.WithLabelValues(direction).Inc()
	}

	select {
	case e.leaderCh <- isLeader:
	default:
	}
}
