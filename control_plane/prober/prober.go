// Package prober periodically checks every pooled proxy and feeds the
// results to the pool, which derives health from them.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
	"github.com/itskum47/accountforge/control_plane/proxypool"
)

// Pool is the part of the proxy pool the prober needs.
type Pool interface {
	List() []*model.Proxy
	Get(proxyID string) (*model.Proxy, error)
	ReportProbe(proxyID string, result proxypool.ProbeResult) error
}

// ProbeFunc checks one proxy and returns the observed latency.
type ProbeFunc func(ctx context.Context, p *model.Proxy) (time.Duration, error)

// Config controls the probe loop.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Prober checks proxies on an interval.
type Prober struct {
	pool   Pool
	probe  ProbeFunc
	cfg    Config
	logger *slog.Logger
}

// New creates a prober. A nil probe dials the proxy over TCP.
func New(pool Pool, probe ProbeFunc, cfg Config, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if probe == nil {
		probe = Dial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{pool: pool, probe: probe, cfg: cfg, logger: logger}
}

// Run probes every proxy immediately and then on each tick until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("proxy prober started", "interval", p.cfg.Interval, "timeout", p.cfg.Timeout)
	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every proxy, at most Concurrency at a time.
func (p *Prober) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, proxy := range p.pool.List() {
		g.Go(func() error {
			p.check(ctx, proxy)
			return nil
		})
	}
	_ = g.Wait()
}

// ProbeOne checks a single proxy on demand.
func (p *Prober) ProbeOne(ctx context.Context, proxyID string) (proxypool.ProbeResult, error) {
	proxy, err := p.pool.Get(proxyID)
	if err != nil {
		return proxypool.ProbeResult{}, err
	}
	return p.check(ctx, proxy), nil
}

func (p *Prober) check(ctx context.Context, proxy *model.Proxy) proxypool.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	latency, err := p.probe(ctx, proxy)
	result := proxypool.ProbeResult{Success: err == nil, Latency: latency}
	if err != nil {
		p.logger.Debug("probe failed", "proxy_id", proxy.ID, "error", err)
	} else {
		observability.ProxyProbeLatency.Observe(latency.Seconds())
	}

	if rerr := p.pool.ReportProbe(proxy.ID, result); rerr != nil {
		// Retired while the probe was in flight.
		p.logger.Debug("probe result dropped", "proxy_id", proxy.ID, "error", rerr)
	}
	return result
}

// Dial is the default probe: a TCP connect to the proxy's host and port.
func Dial(ctx context.Context, p *model.Proxy) (time.Duration, error) {
	hostport, err := dialAddress(p.Address)
	if err != nil {
		return 0, err
	}
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_ = conn.Close()
	return latency, nil
}

func dialAddress(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Port() == "" {
		return "", fmt.Errorf("proxy address %q has no port", addr)
	}
	return u.Host, nil
}
