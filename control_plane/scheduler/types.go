package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/accountforge/control_plane/model"
)

// DefaultProfile is the rate profile used when an account names an unknown one.
const DefaultProfile = "default"

// Outcome is the executor's verdict on one attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// Result is returned by an Executor. Reason is recorded on the action.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Success, Transient and Permanent build results.
func Success() Result { return Result{Outcome: OutcomeSuccess} }
func Transient(reason string) Result { return Result{Outcome: OutcomeTransient, Reason: reason} }
func Permanent(reason string) Result { return Result{Outcome: OutcomePermanent, Reason: reason} }

// Dispatch is handed to the executor: the action plus copies of the
// account and the proxy it must egress through.
type Dispatch struct {
	Action  *model.Action
	Account *model.Account
	Proxy   *model.Proxy
}

// Executor performs the platform operation for an action. It owns its own
// timeout handling and must eventually return.
type Executor interface {
	Execute(ctx context.Context, d Dispatch) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d Dispatch) Result

func (f ExecutorFunc) Execute(ctx context.Context, d Dispatch) Result { return f(ctx, d) }

// Limit is a ceiling over a sliding window.
type Limit struct {
	Ceiling int           `yaml:"ceiling" json:"ceiling"`
	Window  time.Duration `yaml:"window" json:"window"`
}

// RateProfile holds the per-state account ceilings of a named tier.
type RateProfile struct {
	Warming Limit `yaml:"warming" json:"warming"`
	Active  Limit `yaml:"active" json:"active"`
}

// Config holds configuration for the scheduler.
type Config struct {
	// Workers is the size of the global executor pool.
	Workers int
	// TickInterval bounds how long eligible work waits without a wake signal.
	TickInterval time.Duration
	// ExecutionTimeout is the deadline placed on each executor call.
	ExecutionTimeout time.Duration

	// MaxAttempts caps executor calls per action.
	MaxAttempts int
	// Transient retries wait BackoffBase * 2^attempts, capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxConsecutiveFailures is the failure count an account may reach; one
	// more moves it to error.
	MaxConsecutiveFailures int

	// QueueThreshold is the queue depth that opens the admission circuit.
	QueueThreshold int

	RateProfiles map[string]RateProfile
	ProxyLimit   Limit
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                8,
		TickInterval:           250 * time.Millisecond,
		ExecutionTimeout:       2 * time.Minute,
		MaxAttempts:            3,
		BackoffBase:            30 * time.Second,
		BackoffCap:             30 * time.Minute,
		MaxConsecutiveFailures: 3,
		QueueThreshold:         10000,
		RateProfiles: map[string]RateProfile{
			DefaultProfile: {
				Warming: Limit{Ceiling: 10, Window: time.Hour},
				Active:  Limit{Ceiling: 60, Window: time.Hour},
			},
		},
		ProxyLimit: Limit{Ceiling: 120, Window: time.Hour},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = def.ExecutionTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.QueueThreshold <= 0 {
		c.QueueThreshold = def.QueueThreshold
	}
	if _, ok := c.RateProfiles[DefaultProfile]; !ok {
		profiles := make(map[string]RateProfile, len(c.RateProfiles)+1)
		for k, v := range c.RateProfiles {
			profiles[k] = v
		}
		profiles[DefaultProfile] = def.RateProfiles[DefaultProfile]
		c.RateProfiles = profiles
	}
	if c.ProxyLimit.Ceiling <= 0 || c.ProxyLimit.Window <= 0 {
		c.ProxyLimit = def.ProxyLimit
	}
	return c
}

// backoff returns BackoffBase * 2^attempts, capped.
func (c Config) backoff(attempts int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < attempts && d < c.BackoffCap; i++ {
		d *= 2
	}
	if d > c.BackoffCap {
		d = c.BackoffCap
	}
	return d
}

// accountLimit picks the ceiling for the account's profile and state.
func (c Config) accountLimit(acct *model.Account) Limit {
	p, ok := c.RateProfiles[acct.RateProfile]
	if !ok {
		p = c.RateProfiles[DefaultProfile]
	}
	if acct.State == model.AccountWarming {
		return p.Warming
	}
	return p.Active
}

// Submission describes an action to enqueue.
type Submission struct {
	AccountID string           `json:"account_id"`
	Kind      model.ActionKind `json:"kind"`
	Payload   []byte           `json:"payload,omitempty"`
	NotBefore time.Time        `json:"not_before"`
	Priority  int              `json:"priority"`
}

// SchedulingDecision represents a structured log entry for scheduler actions.
type SchedulingDecision struct {
	Decision  string // DISPATCH, RATE_LIMIT_DELAY, ACCOUNT_NOT_EXECUTABLE, PROXY_UNAVAILABLE, RETRY, FAIL
	ActionID  string
	AccountID string
	ProxyID   string
	Kind      model.ActionKind
	Attempt   int
	DelayMS   int64
	Reason    string
}

// Stats exposes internal state for the dashboard.
type Stats struct {
	Queued              int     `json:"queued"`
	InFlight            int     `json:"in_flight"`
	Workers             int     `json:"workers"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	Accounts            int     `json:"accounts_with_work"`
	TotalActions        int     `json:"total_actions"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	Draining            bool    `json:"draining"`
}
