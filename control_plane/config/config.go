// Package config loads the orchestrator configuration from a YAML file,
// an optional .env file and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/itskum47/accountforge/control_plane/proxypool"
	"github.com/itskum47/accountforge/control_plane/registry"
	"github.com/itskum47/accountforge/control_plane/scheduler"
	"github.com/itskum47/accountforge/control_plane/status"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	ProxyPool ProxyPoolConfig `yaml:"proxy_pool"`
	Prober    ProberConfig    `yaml:"prober"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Status    StatusConfig    `yaml:"status"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// ServerConfig holds the operator API settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MutationsPerSecond and MutationBurst bound mutating API calls.
	MutationsPerSecond float64 `yaml:"mutations_per_second"`
	MutationBurst      int     `yaml:"mutation_burst"`
	MaxStreamClients   int     `yaml:"max_stream_clients"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RedisConfig enables the shared limiter and idempotency backend when Addr
// is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// StoreConfig selects the snapshot mirror backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory, redis, postgres, sqlite
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	Namespace   string `yaml:"namespace"`
	Buffer      int    `yaml:"buffer"`
}

type RegistryConfig struct {
	MinWarmupActions  int           `yaml:"min_warmup_actions"`
	MinWarmupDuration time.Duration `yaml:"min_warmup_duration"`
}

// Options converts to the registry's configuration.
func (c RegistryConfig) Options() registry.Config {
	return registry.Config{MinWarmupActions: c.MinWarmupActions, MinWarmupDuration: c.MinWarmupDuration}
}

type ProxyPoolConfig struct {
	ProbeWindow         int     `yaml:"probe_window"`
	MinSamples          int     `yaml:"min_samples"`
	DegradedFailureRate float64 `yaml:"degraded_failure_rate"`
	FailureStreak       int     `yaml:"failure_streak"`
	RecoveryStreak      int     `yaml:"recovery_streak"`
}

func (c ProxyPoolConfig) Options() proxypool.Config {
	return proxypool.Config{
		ProbeWindow:         c.ProbeWindow,
		MinSamples:          c.MinSamples,
		DegradedFailureRate: c.DegradedFailureRate,
		FailureStreak:       c.FailureStreak,
		RecoveryStreak:      c.RecoveryStreak,
	}
}

type ProberConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type SchedulerConfig struct {
	Workers                int                              `yaml:"workers"`
	TickInterval           time.Duration                    `yaml:"tick_interval"`
	ExecutionTimeout       time.Duration                    `yaml:"execution_timeout"`
	MaxAttempts            int                              `yaml:"max_attempts"`
	BackoffBase            time.Duration                    `yaml:"backoff_base"`
	BackoffCap             time.Duration                    `yaml:"backoff_cap"`
	MaxConsecutiveFailures int                              `yaml:"max_consecutive_failures"`
	QueueThreshold         int                              `yaml:"queue_threshold"`
	RateProfiles           map[string]scheduler.RateProfile `yaml:"rate_profiles"`
	ProxyLimit             scheduler.Limit                  `yaml:"proxy_limit"`
}

func (c SchedulerConfig) Options() scheduler.Config {
	return scheduler.Config{
		Workers:                c.Workers,
		TickInterval:           c.TickInterval,
		ExecutionTimeout:       c.ExecutionTimeout,
		MaxAttempts:            c.MaxAttempts,
		BackoffBase:            c.BackoffBase,
		BackoffCap:             c.BackoffCap,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		QueueThreshold:         c.QueueThreshold,
		RateProfiles:           c.RateProfiles,
		ProxyLimit:             c.ProxyLimit,
	}
}

type StatusConfig struct {
	RecentPerAccount int `yaml:"recent_per_account"`
	FeedSize         int `yaml:"feed_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

func (c StatusConfig) Options() status.Config {
	return status.Config{
		RecentPerAccount: c.RecentPerAccount,
		FeedSize:         c.FeedSize,
		SubscriberBuffer: c.SubscriberBuffer,
	}
}

// ExecutorConfig selects how dispatched actions are carried out. With an
// empty WebhookURL actions are only logged.
type ExecutorConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides. A
// .env file in the working directory is loaded first if present. An empty
// path starts from the defaults.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("ACCOUNTFORGE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("ACCOUNTFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ACCOUNTFORGE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ACCOUNTFORGE_WEBHOOK_URL"); v != "" {
		cfg.Executor.WebhookURL = v
	}
	if v := os.Getenv("ACCOUNTFORGE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ACCOUNTFORGE_WORKERS: %w", err)
		}
		cfg.Scheduler.Workers = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	// DATABASE_URL switches a memory mirror to Postgres.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		if cfg.Store.Backend == "memory" {
			cfg.Store.Backend = "postgres"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MutationsPerSecond == 0 {
		c.Server.MutationsPerSecond = 50
	}
	if c.Server.MutationBurst == 0 {
		c.Server.MutationBurst = 100
	}
	if c.Server.MaxStreamClients == 0 {
		c.Server.MaxStreamClients = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "accountforge.db"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "default"
	}
	if c.Store.Buffer == 0 {
		c.Store.Buffer = 4096
	}
	if c.Registry.MinWarmupActions == 0 {
		c.Registry.MinWarmupActions = 20
	}
	if c.Registry.MinWarmupDuration == 0 {
		c.Registry.MinWarmupDuration = 72 * time.Hour
	}

	pool := proxypool.DefaultConfig()
	if c.ProxyPool.ProbeWindow == 0 {
		c.ProxyPool.ProbeWindow = pool.ProbeWindow
	}
	if c.ProxyPool.MinSamples == 0 {
		c.ProxyPool.MinSamples = pool.MinSamples
	}
	if c.ProxyPool.DegradedFailureRate == 0 {
		c.ProxyPool.DegradedFailureRate = pool.DegradedFailureRate
	}
	if c.ProxyPool.FailureStreak == 0 {
		c.ProxyPool.FailureStreak = pool.FailureStreak
	}
	if c.ProxyPool.RecoveryStreak == 0 {
		c.ProxyPool.RecoveryStreak = pool.RecoveryStreak
	}

	if c.Prober.Interval == 0 {
		c.Prober.Interval = 30 * time.Second
	}
	if c.Prober.Timeout == 0 {
		c.Prober.Timeout = 5 * time.Second
	}
	if c.Prober.Concurrency == 0 {
		c.Prober.Concurrency = 16
	}

	sched := scheduler.DefaultConfig()
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = sched.Workers
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = sched.TickInterval
	}
	if c.Scheduler.ExecutionTimeout == 0 {
		c.Scheduler.ExecutionTimeout = sched.ExecutionTimeout
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = sched.MaxAttempts
	}
	if c.Scheduler.BackoffBase == 0 {
		c.Scheduler.BackoffBase = sched.BackoffBase
	}
	if c.Scheduler.BackoffCap == 0 {
		c.Scheduler.BackoffCap = sched.BackoffCap
	}
	if c.Scheduler.MaxConsecutiveFailures == 0 {
		c.Scheduler.MaxConsecutiveFailures = sched.MaxConsecutiveFailures
	}
	if c.Scheduler.QueueThreshold == 0 {
		c.Scheduler.QueueThreshold = sched.QueueThreshold
	}
	if c.Scheduler.RateProfiles == nil {
		c.Scheduler.RateProfiles = map[string]scheduler.RateProfile{}
	}
	if _, ok := c.Scheduler.RateProfiles[scheduler.DefaultProfile]; !ok {
		c.Scheduler.RateProfiles[scheduler.DefaultProfile] = sched.RateProfiles[scheduler.DefaultProfile]
	}
	if c.Scheduler.ProxyLimit.Ceiling == 0 {
		c.Scheduler.ProxyLimit = sched.ProxyLimit
	}

	st := status.DefaultConfig()
	if c.Status.RecentPerAccount == 0 {
		c.Status.RecentPerAccount = st.RecentPerAccount
	}
	if c.Status.FeedSize == 0 {
		c.Status.FeedSize = st.FeedSize
	}
	if c.Status.SubscriberBuffer == 0 {
		c.Status.SubscriberBuffer = st.SubscriberBuffer
	}

	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 30 * time.Second
	}
}

// Validate rejects values that would make a component misbehave.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.backend postgres requires store.database_url or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && !c.Redis.Enabled() {
		return fmt.Errorf("store.backend redis requires redis.addr or REDIS_ADDR")
	}
	if c.ProxyPool.DegradedFailureRate < 0 || c.ProxyPool.DegradedFailureRate > 1 {
		return fmt.Errorf("proxy_pool.degraded_failure_rate must be within [0, 1], got %v", c.ProxyPool.DegradedFailureRate)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.BackoffCap < c.Scheduler.BackoffBase {
		return fmt.Errorf("scheduler.backoff_cap %s is below backoff_base %s", c.Scheduler.BackoffCap, c.Scheduler.BackoffBase)
	}
	for name, p := range c.Scheduler.RateProfiles {
		for _, l := range []scheduler.Limit{p.Warming, p.Active} {
			if l.Ceiling <= 0 || l.Window <= 0 {
				return fmt.Errorf("rate profile %q needs a positive ceiling and window", name)
			}
		}
	}
	return nil
}
