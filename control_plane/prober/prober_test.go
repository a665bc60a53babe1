package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/proxypool"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newPool(t *testing.T, addrs ...string) (*proxypool.Pool, []string) {
	t.Helper()
	pool := proxypool.New(proxypool.Config{}, clock.NewFake(epoch), nil, nil)
	var ids []string
	for _, a := range addrs {
		id, err := pool.Register(proxypool.ProxySpec{Address: a, Capacity: 2})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return pool, ids
}

func TestProbeAllReportsToPool(t *testing.T) {
	pool, ids := newPool(t, "good:1", "bad:1")
	probe := func(ctx context.Context, p *model.Proxy) (time.Duration, error) {
		if p.Address == "bad:1" {
			return 0, errors.New("refused")
		}
		return 15 * time.Millisecond, nil
	}
	pr := New(pool, probe, Config{Timeout: time.Second}, nil)

	for i := 0; i < 5; i++ {
		pr.ProbeAll(context.Background())
	}

	good, err := pool.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.ProxyActive, good.Health)
	assert.Equal(t, 15*time.Millisecond, good.AvgLatency)

	bad, err := pool.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.ProxyFailed, bad.Health)
}

func TestProbeAllRespectsConcurrency(t *testing.T) {
	addrs := make([]string, 10)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:8080", i)
	}
	pool, _ := newPool(t, addrs...)

	var inFlight, peak int32
	probe := func(ctx context.Context, p *model.Proxy) (time.Duration, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return time.Millisecond, nil
	}
	New(pool, probe, Config{Concurrency: 3}, nil).ProbeAll(context.Background())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	pool, ids := newPool(t, "slow:1")
	probe := func(ctx context.Context, p *model.Proxy) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	pr := New(pool, probe, Config{Timeout: 10 * time.Millisecond}, nil)

	res, err := pr.ProbeOne(context.Background(), ids[0])
	require.NoError(t, err)
	assert.False(t, res.Success)

	p, err := pool.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, p.ConsecutiveFailures)
}

func TestProbeOneUnknownProxy(t *testing.T) {
	pool, _ := newPool(t)
	_, err := New(pool, nil, Config{}, nil).ProbeOne(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunProbesImmediatelyAndStops(t *testing.T) {
	pool, _ := newPool(t, "a:1")
	var calls int32
	probe := func(ctx context.Context, p *model.Proxy) (time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return time.Millisecond, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = New(pool, probe, Config{Interval: 5 * time.Millisecond}, nil).Run(ctx)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	latency, err := Dial(context.Background(), &model.Proxy{Address: ln.Addr().String()})
	require.NoError(t, err)
	assert.Positive(t, latency)

	_, err = Dial(context.Background(), &model.Proxy{Address: "http://" + ln.Addr().String()})
	assert.NoError(t, err, "scheme is ignored")

	_, err = Dial(context.Background(), &model.Proxy{Address: "no-port"})
	assert.Error(t, err)
}
