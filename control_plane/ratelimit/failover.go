package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/resilience"
)

// Failover grants through a shared limiter and falls back to a local
// sliding window while the shared one errors. During an outage each
// instance enforces the ceilings on its own.
type Failover struct {
	shared  Limiter
	local   *SlidingWindow
	health  *resilience.DegradedMode
	clock   clock.Clock
	recheck time.Duration

	mu      sync.Mutex
	retryAt time.Time
}

// NewFailover wraps shared. While shared is down it is retried at most
// once per recheck interval.
func NewFailover(shared Limiter, local *SlidingWindow, health *resilience.DegradedMode, c clock.Clock, recheck time.Duration) *Failover {
	if recheck <= 0 {
		recheck = 5 * time.Second
	}
	health.Track(resilience.DependencyRedis)
	return &Failover{
		shared:  shared,
		local:   local,
		health:  health,
		clock:   clock.OrReal(c),
		recheck: recheck,
	}
}

// Acquire implements Limiter. It never returns an error.
func (f *Failover) Acquire(ctx context.Context, reqs ...Request) (bool, error) {
	if f.skipShared() {
		granted, _ := f.local.Acquire(ctx, reqs...)
		return granted, nil
	}

	var granted bool
	err := f.health.WithFallback(ctx, resilience.DependencyRedis,
		func(ctx context.Context) error {
			var err error
			granted, err = f.shared.Acquire(ctx, reqs...)
			return err
		},
		func(ctx context.Context) error {
			f.mu.Lock()
			f.retryAt = f.clock.Now().Add(f.recheck)
			f.mu.Unlock()
			granted, _ = f.local.Acquire(ctx, reqs...)
			return nil
		},
	)
	return granted, err
}

func (f *Failover) skipShared() bool {
	if f.health.Available(resilience.DependencyRedis) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock.Now().Before(f.retryAt)
}

// Forget drops the local window of key. Shared windows expire on their own.
func (f *Failover) Forget(key string) {
	f.local.Forget(key)
}
