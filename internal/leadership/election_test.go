/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package leadership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeStore keeps keys in memory and ignores expirations.
type fakeStore struct {
	mu     sync.Mutex
	keys   map[string]string
	fail   error
	closed bool
}

func newFakeStore() *fakeStore { return &fakeStore{keys: map[string]string{}} }

func (s *fakeStore) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return redis.NewBoolResult(false, s.fail)
	}
	if _, ok := s.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	s.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (s *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (s *fakeStore) Expire(_ context.Context, key string, _ time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return redis.NewBoolResult(ok, nil)
}

func (s *fakeStore) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[keys[0]] == args[0].(string) {
		delete(s.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func TestSingleLeader(t *testing.T) {
	store := newFakeStore()
	status := prometheus.NewGauge(prometheus.GaugeOpts{Name: "leader"})
	changes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "changes"}, []string{"direction"})

	cfg := DefaultConfig()
	cfg.RenewalInterval = time.Hour
	cfg.InstanceID = "a"
	cfg.Status = status
	cfg.Changes = changes
	a := newElection(store, cfg, zerolog.Nop())

	cfg.InstanceID = "b"
	cfg.Status, cfg.Changes = nil, nil
	b := newElection(store, cfg, zerolog.Nop())

	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)

	if !a.IsLeader() || b.IsLeader() {
		t.Fatalf("leaders: a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
	if got := <-a.LeaderCh(); !got {
		t.Error("a did not announce leadership")
	}
	if leader, err := b.GetLeader(ctx); err != nil || leader != "a" {
		t.Errorf("GetLeader = %q, %v", leader, err)
	}
	if testutil.ToFloat64(status) != 1 || testutil.ToFloat64(changes.WithLabelValues("acquired")) != 1 {
		t.Error("leader metrics not updated")
	}

	// renewal keeps the lease
	a.attemptLeadership(ctx)
	if !a.IsLeader() {
		t.Error("a lost the lease on renewal")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.IsLeader() || testutil.ToFloat64(status) != 0 {
		t.Error("a still leader after Stop")
	}
	if leader, _ := b.GetLeader(ctx); leader != "" {
		t.Errorf("lease not released, leader = %q", leader)
	}

	b.attemptLeadership(ctx)
	if !b.IsLeader() {
		t.Error("b did not take over")
	}
	_ = b.Stop()
	if !store.closed {
		t.Error("store not closed")
	}
}

func TestStoreErrorDropsLeadership(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.RenewalInterval = time.Hour
	e := newElection(store, cfg, zerolog.Nop())

	ctx := context.Background()
	e.attemptLeadership(ctx)
	if !e.IsLeader() {
		t.Fatal("expected leadership")
	}

	store.setFail(errors.New("connection refused"))
	e.attemptLeadership(ctx)
	if e.IsLeader() {
		t.Error("leadership kept despite store error")
	}
}
