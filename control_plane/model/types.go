package model

import (
	"encoding/json"
	"log/slog"
	"time"
)

// AccountState is a lifecycle state of a managed account.
type AccountState string

const (
	AccountPending  AccountState = "pending"
	AccountWarming  AccountState = "warming"
	AccountActive   AccountState = "active"
	AccountPaused   AccountState = "paused"
	AccountError    AccountState = "error"
	AccountDisabled AccountState = "disabled"
)

// Executable reports whether actions may be submitted to and dispatched for
// an account in this state.
func (s AccountState) Executable() bool {
	return s == AccountWarming || s == AccountActive
}

// Valid reports whether s names a known state.
func (s AccountState) Valid() bool {
	switch s {
	case AccountPending, AccountWarming, AccountActive, AccountPaused, AccountError, AccountDisabled:
		return true
	}
	return false
}

// AccountStates lists every state in lifecycle order.
var AccountStates = []AccountState{
	AccountPending, AccountWarming, AccountActive, AccountPaused, AccountError, AccountDisabled,
}

// FailureRecord is the last failure recorded against an account.
type FailureRecord struct {
	Reason  string    `json:"reason"` // consecutive_failures, operator_flag
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Account is a point-in-time copy of a managed identity.
type Account struct {
	ID                  string         `json:"id" db:"account_id"`
	Handle              string         `json:"handle" db:"handle"`
	State               AccountState   `json:"state" db:"state"`
	ProxyID             string         `json:"proxy_id,omitempty" db:"proxy_id"`
	RateProfile         string         `json:"rate_profile" db:"rate_profile"`
	LastError           *FailureRecord `json:"last_error,omitempty" db:"last_error"`
	ConsecutiveFailures int            `json:"consecutive_failures" db:"consecutive_failures"`
	WarmupCompleted     int            `json:"warmup_completed" db:"warmup_completed"`
	WarmupStartedAt     time.Time      `json:"warmup_started_at,omitempty" db:"warmup_started_at"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	if a.LastError != nil {
		e := *a.LastError
		c.LastError = &e
	}
	return &c
}

// ProxyHealth is derived from the rolling window of probe results.
type ProxyHealth string

const (
	ProxyActive   ProxyHealth = "active"
	ProxyDegraded ProxyHealth = "degraded"
	ProxyFailed   ProxyHealth = "failed"
)

// ProxyHealths lists every health value.
var ProxyHealths = []ProxyHealth{ProxyActive, ProxyDegraded, ProxyFailed}

// Credentials is an opaque secret. It never appears in logs or JSON output.
type Credentials []byte

func (Credentials) String() string { return "***" }

// LogValue implements slog.LogValuer.
func (Credentials) LogValue() slog.Value { return slog.StringValue("***") }

// MarshalJSON implements json.Marshaler.
func (c Credentials) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON discards the redacted placeholder written by MarshalJSON.
func (c *Credentials) UnmarshalJSON([]byte) error {
	*c = nil
	return nil
}

// Proxy is a point-in-time copy of an egress endpoint.
type Proxy struct {
	ID                   string        `json:"id" db:"proxy_id"`
	Address              string        `json:"address" db:"address"`
	Credentials          Credentials   `json:"credentials,omitempty" db:"-"`
	Health               ProxyHealth   `json:"health" db:"health"`
	Capacity             int           `json:"capacity" db:"capacity"`
	Assigned             []string      `json:"assigned" db:"assigned"`
	AvgLatency           time.Duration `json:"avg_latency_ns" db:"avg_latency_ns"`
	UptimePercent        float64       `json:"uptime_percent" db:"uptime_percent"`
	ConsecutiveFailures  int           `json:"consecutive_failures" db:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes" db:"consecutive_successes"`
	LastProbeAt          time.Time     `json:"last_probe_at,omitempty" db:"last_probe_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
}

// Load is the assigned-to-capacity ratio.
func (p *Proxy) Load() float64 {
	if p.Capacity <= 0 {
		return 1
	}
	return float64(len(p.Assigned)) / float64(p.Capacity)
}

// Clone returns a deep copy.
func (p *Proxy) Clone() *Proxy {
	c := *p
	c.Assigned = append([]string(nil), p.Assigned...)
	c.Credentials = append(Credentials(nil), p.Credentials...)
	return &c
}

// ActionKind selects how the executor interprets the payload.
type ActionKind string

const (
	ActionWarmupStep    ActionKind = "warmup_step"
	ActionScheduledPost ActionKind = "scheduled_post"
)

// Valid reports whether k names a known kind.
func (k ActionKind) Valid() bool {
	return k == ActionWarmupStep || k == ActionScheduledPost
}

// ActionStatus is the scheduler-owned status of an action.
type ActionStatus string

const (
	ActionQueued     ActionStatus = "queued"
	ActionDispatched ActionStatus = "dispatched"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionRetrying   ActionStatus = "retrying"
	ActionCancelled  ActionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed || s == ActionCancelled
}

// Action is a point-in-time copy of a unit of scheduled work.
type Action struct {
	ID              string       `json:"id" db:"action_id"`
	Seq             uint64       `json:"seq" db:"seq"`
	AccountID       string       `json:"account_id" db:"account_id"`
	Kind            ActionKind   `json:"kind" db:"kind"`
	Payload         []byte       `json:"payload,omitempty" db:"payload"`
	NotBefore       time.Time    `json:"not_before" db:"not_before"`
	Priority        int          `json:"priority" db:"priority"`
	Status          ActionStatus `json:"status" db:"status"`
	Attempts        int          `json:"attempts" db:"attempts"`
	LastAttemptAt   time.Time    `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError       string       `json:"last_error,omitempty" db:"last_error"`
	ProxyID         string       `json:"proxy_id,omitempty" db:"proxy_id"`
	ResubmittedFrom string       `json:"resubmitted_from,omitempty" db:"resubmitted_from"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	FinishedAt      time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// Clone returns a deep copy.
func (a *Action) Clone() *Action {
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	return &c
}
