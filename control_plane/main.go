package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/config"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/executor"
	"github.com/itskum47/accountforge/control_plane/idempotency"
	"github.com/itskum47/accountforge/control_plane/prober"
	"github.com/itskum47/accountforge/control_plane/proxypool"
	"github.com/itskum47/accountforge/control_plane/ratelimit"
	"github.com/itskum47/accountforge/control_plane/registry"
	"github.com/itskum47/accountforge/control_plane/resilience"
	"github.com/itskum47/accountforge/control_plane/scheduler"
	"github.com/itskum47/accountforge/control_plane/status"
	"github.com/itskum47/accountforge/control_plane/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	listen := pflag.String("listen", "", "listen address, overrides server.listen")
	pflag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accountforge: config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("accountforge exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Services is every long-lived component, constructed once and injected.
type Services struct {
	Registry    *registry.Registry
	Pool        *proxypool.Pool
	Scheduler   *scheduler.Scheduler
	Status      *status.Aggregator
	Prober      *prober.Prober
	Store       store.Store
	Recorder    *store.Recorder
	Idempotency idempotency.Store
	Executor    scheduler.Executor
	Health      *resilience.DegradedMode
}

// newServices wires the components. The pool reports failed proxies to the
// registry, and registry transitions reach the scheduler; both callbacks run
// after the caller's locks are released.
func newServices(ctx context.Context, cfg *config.Config, rdb *redis.Client, clk clock.Clock, logger *slog.Logger) (*Services, error) {
	mirror, err := openStore(ctx, cfg.Store, rdb)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	health := resilience.NewDegradedMode(clk, logger.With("component", "resilience"))
	agg := status.New(cfg.Status.Options(), clk, logger.With("component", "status"))
	recorder := store.NewRecorder(mirror, cfg.Store.Buffer, logger.With("component", "recorder")).WithHealth(health)
	sink := events.Fanout{agg, recorder, events.NewLogSink(logger)}

	pool := proxypool.New(cfg.ProxyPool.Options(), clk, sink, logger.With("component", "proxypool"))
	reg := registry.New(cfg.Registry.Options(), pool, clk, sink, logger.With("component", "registry"))
	pool.OnFailed(reg.HandleProxyFailed)

	var limiter ratelimit.Limiter
	if rdb != nil {
		shared := ratelimit.NewRedis(rdb, clk, longestWindow(cfg.Scheduler))
		limiter = ratelimit.NewFailover(shared, ratelimit.NewSlidingWindow(clk), health, clk, 5*time.Second)
	} else {
		limiter = ratelimit.NewSlidingWindow(clk)
	}

	var exec scheduler.Executor
	if cfg.Executor.WebhookURL != "" {
		wh, err := executor.NewWebhook(cfg.Executor.WebhookURL, cfg.Executor.Timeout, logger.With("component", "executor"))
		if err != nil {
			_ = mirror.Close()
			return nil, err
		}
		exec = wh
	} else {
		logger.Warn("no executor.webhook_url configured, actions are logged only")
		exec = executor.NewLog(logger.With("component", "executor"))
	}

	sched := scheduler.New(cfg.Scheduler.Options(), reg, pool, limiter, exec, clk, sink, logger.With("component", "scheduler"))
	reg.OnTransition(sched.OnAccountChange)
	pool.OnRetired(sched.ForgetProxy)

	probe := prober.New(pool, nil, prober.Config{
		Interval:    cfg.Prober.Interval,
		Timeout:     cfg.Prober.Timeout,
		Concurrency: cfg.Prober.Concurrency,
	}, logger.With("component", "prober"))

	var idem idempotency.Store
	if rdb != nil {
		idem = idempotency.NewRedisStore(rdb)
	} else {
		idem = idempotency.NewMemoryStore(clk)
	}

	return &Services{
		Registry:    reg,
		Pool:        pool,
		Scheduler:   sched,
		Status:      agg,
		Prober:      probe,
		Store:       mirror,
		Recorder:    recorder,
		Idempotency: idem,
		Executor:    exec,
		Health:      health,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, rdb *redis.Client) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisStore(rdb, cfg.Namespace), nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// longestWindow is how long the shared limiter keeps grants.
func longestWindow(cfg config.SchedulerConfig) time.Duration {
	longest := cfg.ProxyLimit.Window
	for _, p := range cfg.RateProfiles {
		for _, l := range []scheduler.Limit{p.Warming, p.Active} {
			if l.Window > longest {
				longest = l.Window
			}
		}
	}
	return longest
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		var err error
		if rdb, err = connectRedis(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	svc, err := newServices(ctx, cfg, rdb, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer svc.Store.Close()

	api := NewAPI(svc, cfg.Server, logger.With("component", "api"))
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sinks outlive the scheduler so events emitted while draining are
	// still applied and mirrored.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinks errgroup.Group
	sinks.Go(func() error { return svc.Status.Run(sinkCtx) })
	sinks.Go(func() error { return svc.Recorder.Run(sinkCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		api.hub.Run(gctx)
		return nil
	})
	if cfg.Prober.Enabled {
		g.Go(func() error { return svc.Prober.Run(gctx) })
	}
	svc.Scheduler.Start(gctx)

	g.Go(func() error {
		logger.Info("accountforge listening",
			"addr", cfg.Server.Listen,
			"store", cfg.Store.Backend,
			"workers", cfg.Scheduler.Workers,
			"redis", cfg.Redis.Enabled(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if serr := svc.Scheduler.Stop(shutdownCtx); serr != nil {
			logger.Warn("scheduler did not drain", "error", serr)
		}
		if wh, ok := svc.Executor.(*executor.Webhook); ok {
			wh.CloseIdle()
		}
		return err
	})

	err = g.Wait()
	stopSinks()
	_ = sinks.Wait()
	return err
}
