package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// DefaultRateProfile is used when an account registers without a profile.
const DefaultRateProfile = "default"

// Error reasons recorded on Account.LastError.
const (
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonOperatorFlag        = "operator_flag"
)

// Config gates the warming -> active transition.
type Config struct {
	MinWarmupActions  int
	MinWarmupDuration time.Duration
}

// ProxyBinder is the slice of the proxy pool the registry drives. The pool
// owns the assignment relation; the registry only asks for changes.
type ProxyBinder interface {
	Assign(accountID, preferredProxyID string) (string, error)
	Release(accountID string)
	Reassign(accountID string) (string, error)
	BoundProxy(accountID string) string
}

// Change describes a committed lifecycle change. Removed is set when the
// account left the registry; To is then empty.
type Change struct {
	Account *model.Account
	From    model.AccountState
	To      model.AccountState
	Removed bool
}

// TransitionHook observes committed changes. Hooks run after the registry
// lock is released and may call back into the registry.
type TransitionHook func(Change)

// Registry owns account identity and lifecycle state.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	clock    clock.Clock
	pool     ProxyBinder
	sink     events.Sink
	logger   *slog.Logger
	accounts map[string]*model.Account

	hookMu sync.RWMutex
	hooks  []TransitionHook
}

// New creates an empty registry bound to pool.
func New(cfg Config, pool ProxyBinder, c clock.Clock, sink events.Sink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		clock:    clock.OrReal(c),
		pool:     pool,
		sink:     events.OrDiscard(sink),
		logger:   logger,
		accounts: make(map[string]*model.Account),
	}
}

// OnTransition registers a hook for committed lifecycle changes.
func (r *Registry) OnTransition(h TransitionHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Register creates an account in the pending state.
func (r *Registry) Register(handle, rateProfile string) (string, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", fmt.Errorf("%w: handle is required", model.ErrInvalidArgument)
	}
	if rateProfile == "" {
		rateProfile = DefaultRateProfile
	}

	now := r.clock.Now()
	acct := &model.Account{
		ID:          uuid.NewString(),
		Handle:      handle,
		State:       model.AccountPending,
		RateProfile: rateProfile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.accounts[acct.ID] = acct
	snap := r.snapshotLocked(acct)
	r.mu.Unlock()

	r.logger.Info("account registered", "account_id", acct.ID, "handle", handle, "rate_profile", rateProfile)
	r.sink.Publish(events.Event{Kind: events.AccountRegistered, Time: now, AccountID: acct.ID, Account: snap})
	return acct.ID, nil
}

// Get returns a copy of the account.
func (r *Registry) Get(id string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return nil, notFound(id)
	}
	return r.snapshotLocked(acct), nil
}

// List returns copies of every account ordered by creation time.
func (r *Registry) List() []*model.Account {
	r.mu.RLock()
	out := make([]*model.Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		out = append(out, r.snapshotLocked(acct))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transition moves an account to target. Entering error through this path
// records an operator flag.
func (r *Registry) Transition(id string, target model.AccountState) error {
	return r.transition(id, target, &model.FailureRecord{Reason: ReasonOperatorFlag})
}

// MarkError moves an account to error with the given reason.
func (r *Registry) MarkError(id, reason, message string) error {
	return r.transition(id, model.AccountError, &model.FailureRecord{Reason: reason, Message: message})
}

func (r *Registry) transition(id string, target model.AccountState, cause *model.FailureRecord) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown state %q", model.ErrInvalidTransition, target)
	}

	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	from := acct.State
	now := r.clock.Now()
	if err := r.checkLocked(acct, target, now); err != nil {
		r.mu.Unlock()
		r.logger.Debug("transition rejected", "account_id", id, "from", from, "to", target, "error", err)
		return err
	}

	switch target {
	case model.AccountWarming:
		if from == model.AccountPending {
			acct.WarmupStartedAt = now
			acct.WarmupCompleted = 0
		}
	case model.AccountError:
		e := *cause
		e.At = now
		acct.LastError = &e
	}
	acct.State = target
	acct.UpdatedAt = now
	snap := r.snapshotLocked(acct)
	r.mu.Unlock()

	observability.AccountTransitions.WithLabelValues(string(from), string(target)).Inc()
	r.logger.Info("account transitioned", "account_id", id, "from", from, "to", target)
	r.sink.Publish(events.Event{
		Kind:      events.AccountStateChanged,
		Time:      now,
		AccountID: id,
		ProxyID:   snap.ProxyID,
		Reason:    fmt.Sprintf("%s->%s", from, target),
		Account:   snap,
	})
	r.notify(Change{Account: snap, From: from, To: target})
	return nil
}

// checkLocked validates the edge and its preconditions. Entering an
// executable state binds a proxy when none is bound.
func (r *Registry) checkLocked(acct *model.Account, to model.AccountState, now time.Time) error {
	from := acct.State
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	if from == model.AccountError && acct.LastError != nil && to != model.AccountDisabled {
		return fmt.Errorf("%w: clear the last error before leaving error state", model.ErrInvalidTransition)
	}

	switch to {
	case model.AccountActive:
		if acct.WarmupCompleted < r.cfg.MinWarmupActions {
			return fmt.Errorf("%w: %d of %d warmup actions completed",
				model.ErrWarmupIncomplete, acct.WarmupCompleted, r.cfg.MinWarmupActions)
		}
		if elapsed := now.Sub(acct.WarmupStartedAt); elapsed < r.cfg.MinWarmupDuration {
			return fmt.Errorf("%w: warming for %s of %s",
				model.ErrWarmupIncomplete, elapsed, r.cfg.MinWarmupDuration)
		}
	case model.AccountDisabled:
		if p := r.pool.BoundProxy(acct.ID); p != "" {
			return fmt.Errorf("%w: account %s is bound to proxy %s", model.ErrProxyStillBound, acct.ID, p)
		}
	}

	if to.Executable() && r.pool.BoundProxy(acct.ID) == "" {
		if _, err := r.pool.Assign(acct.ID, ""); err != nil {
			return fmt.Errorf("%w: %v", model.ErrNoProxyAvailable, err)
		}
	}
	return nil
}

var transitions = map[model.AccountState][]model.AccountState{
	model.AccountPending: {model.AccountWarming, model.AccountDisabled},
	model.AccountWarming: {model.AccountActive, model.AccountPaused, model.AccountError, model.AccountDisabled},
	model.AccountActive:  {model.AccountPaused, model.AccountError, model.AccountDisabled},
	model.AccountPaused:  {model.AccountWarming, model.AccountActive, model.AccountError, model.AccountDisabled},
	model.AccountError:   {model.AccountWarming, model.AccountActive, model.AccountDisabled},
}

func allowed(from, to model.AccountState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ClearError drops the recorded error and failure streak so an operator can
// move the account out of the error state.
func (r *Registry) ClearError(id string) error {
	return r.update(id, func(acct *model.Account) error {
		if acct.State != model.AccountError {
			return fmt.Errorf("%w: account is %s, not error", model.ErrInvalidTransition, acct.State)
		}
		acct.LastError = nil
		acct.ConsecutiveFailures = 0
		return nil
	}, "error_cleared")
}

// RecordActionResult folds an action outcome into the account's counters
// and returns the consecutive failure count after the update. Successful
// warmup steps count toward the warmup gate while the account is warming.
func (r *Registry) RecordActionResult(id string, kind model.ActionKind, ok bool) (int, error) {
	var failures int
	err := r.update(id, func(acct *model.Account) error {
		if ok {
			acct.ConsecutiveFailures = 0
			if kind == model.ActionWarmupStep && acct.State == model.AccountWarming {
				acct.WarmupCompleted++
			}
		} else {
			acct.ConsecutiveFailures++
		}
		failures = acct.ConsecutiveFailures
		return nil
	}, "action_result")
	return failures, err
}

// AssignProxy binds the account to a proxy, preferring preferredProxyID.
func (r *Registry) AssignProxy(id, preferredProxyID string) (string, error) {
	var proxyID string
	err := r.update(id, func(acct *model.Account) error {
		if acct.State == model.AccountDisabled {
			return fmt.Errorf("%w: account is disabled", model.ErrInvalidTransition)
		}
		var err error
		proxyID, err = r.pool.Assign(acct.ID, preferredProxyID)
		return err
	}, "proxy_assigned")
	return proxyID, err
}

// ReleaseProxy unbinds the account. Executable accounts keep their proxy;
// pause or flag them first.
func (r *Registry) ReleaseProxy(id string) error {
	return r.update(id, func(acct *model.Account) error {
		if acct.State.Executable() {
			return fmt.Errorf("%w: cannot release the proxy of a %s account", model.ErrInvalidTransition, acct.State)
		}
		r.pool.Release(acct.ID)
		return nil
	}, "proxy_released")
}

// HandleProxyFailed moves an account off a failed proxy. It is installed as
// the pool's reassignment handler, which calls it when the proxy fails and
// again when capacity appears elsewhere while the account is still stranded.
func (r *Registry) HandleProxyFailed(accountID, fromProxyID string) {
	r.mu.Lock()
	_, ok := r.accounts[accountID]
	if !ok || r.pool.BoundProxy(accountID) != fromProxyID {
		r.mu.Unlock()
		return
	}
	to, err := r.pool.Reassign(accountID)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("account left on failed proxy",
			"account_id", accountID,
			"proxy_id", fromProxyID,
			"error", err,
		)
		return
	}
	r.logger.Info("account moved off failed proxy", "account_id", accountID, "from_proxy", fromProxyID, "to_proxy", to)
}

// Remove deletes a pending or disabled account with no proxy binding.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if acct.State != model.AccountPending && acct.State != model.AccountDisabled {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot remove a %s account", model.ErrInvalidTransition, acct.State)
	}
	if p := r.pool.BoundProxy(id); p != "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %s is bound to proxy %s", model.ErrProxyStillBound, id, p)
	}
	delete(r.accounts, id)
	snap := acct.Clone()
	r.mu.Unlock()

	r.logger.Info("account removed", "account_id", id)
	r.sink.Publish(events.Event{Kind: events.AccountRemoved, Time: r.clock.Now(), AccountID: id, Account: snap})
	r.notify(Change{Account: snap, From: snap.State, Removed: true})
	return nil
}

// State returns the account's lifecycle state.
func (r *Registry) State(id string) (model.AccountState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return "", notFound(id)
	}
	return acct.State, nil
}

func (r *Registry) update(id string, fn func(*model.Account) error, reason string) error {
	r.mu.Lock()
	acct, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if err := fn(acct); err != nil {
		r.mu.Unlock()
		return err
	}
	now := r.clock.Now()
	acct.UpdatedAt = now
	snap := r.snapshotLocked(acct)
	r.mu.Unlock()

	r.sink.Publish(events.Event{
		Kind:      events.AccountUpdated,
		Time:      now,
		AccountID: id,
		ProxyID:   snap.ProxyID,
		Reason:    reason,
		Account:   snap,
	})
	return nil
}

func (r *Registry) notify(c Change) {
	r.hookMu.RLock()
	hooks := append([]TransitionHook(nil), r.hooks...)
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// snapshotLocked copies the account and fills in its proxy from the pool.
func (r *Registry) snapshotLocked(acct *model.Account) *model.Account {
	c := acct.Clone()
	c.ProxyID = r.pool.BoundProxy(acct.ID)
	return c
}

func notFound(id string) error {
	return fmt.Errorf("%w: account %s", model.ErrNotFound, id)
}
