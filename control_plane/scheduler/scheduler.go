package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
	"github.com/itskum47/accountforge/control_plane/ratelimit"
	"github.com/itskum47/accountforge/control_plane/registry"
)

// AccountSource is the registry surface the scheduler reads and reports to.
type AccountSource interface {
	Get(id string) (*model.Account, error)
	RecordActionResult(id string, kind model.ActionKind, ok bool) (int, error)
	MarkError(id, reason, message string) error
}

// ProxySource resolves the proxy an account is bound to.
type ProxySource interface {
	Get(proxyID string) (*model.Proxy, error)
}

type forgetter interface {
	Forget(key string)
}

// Scheduler turns submitted actions into executor calls: one in flight per
// account, round-robin across accounts, rate limited per account and proxy.
type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	accounts AccountSource
	proxies  ProxySource
	limiter  ratelimit.Limiter
	executor Executor
	sink     events.Sink
	logger   *slog.Logger
	breaker  *CircuitBreaker

	mu       sync.Mutex
	actions  map[string]*model.Action
	lanes    map[string]*lane
	ring     []string
	cursor   int
	seq      uint64
	queued   int
	inFlight int
	draining bool

	wake      chan struct{}
	work      chan *model.Action
	workers   sync.WaitGroup
	startOnce sync.Once
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
}

// New creates a scheduler. Call Start to begin dispatching.
func New(cfg Config, accounts AccountSource, proxies ProxySource, limiter ratelimit.Limiter, executor Executor, c clock.Clock, sink events.Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	clk := clock.OrReal(c)
	return &Scheduler{
		cfg:      cfg,
		clock:    clk,
		accounts: accounts,
		proxies:  proxies,
		limiter:  limiter,
		executor: executor,
		sink:     events.OrDiscard(sink),
		logger:   logger,
		breaker:  NewCircuitBreaker(cfg.QueueThreshold, clk),
		actions:  make(map[string]*model.Action),
		lanes:    make(map[string]*lane),
		wake:     make(chan struct{}, 1),
		work:     make(chan *model.Action, cfg.Workers),
	}
}

// Submit validates and enqueues one action.
func (s *Scheduler) Submit(sub Submission) (string, error) {
	ids, err := s.submit(sub, 1, 0, "")
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitSeries enqueues count copies of sub spaced interval apart, starting
// at sub.NotBefore. Either every action is enqueued or none is.
func (s *Scheduler) SubmitSeries(sub Submission, count int, interval time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", model.ErrInvalidArgument)
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: interval must not be negative", model.ErrInvalidArgument)
	}
	return s.submit(sub, count, interval, "")
}

// Resubmit enqueues a fresh copy of a failed or cancelled action.
func (s *Scheduler) Resubmit(actionID string) (string, error) {
	s.mu.Lock()
	orig, ok := s.actions[actionID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: action %s", model.ErrNotFound, actionID)
	}
	if orig.Status != model.ActionFailed && orig.Status != model.ActionCancelled {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: action %s is %s", model.ErrInvalidArgument, actionID, orig.Status)
	}
	sub := Submission{
		AccountID: orig.AccountID,
		Kind:      orig.Kind,
		Payload:   append([]byte(nil), orig.Payload...),
		Priority:  orig.Priority,
	}
	s.mu.Unlock()

	ids, err := s.submit(sub, 1, 0, actionID)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *Scheduler) submit(sub Submission, count int, interval time.Duration, resubmittedFrom string) ([]string, error) {
	if !sub.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown action kind %q", model.ErrInvalidArgument, sub.Kind)
	}
	acct, err := s.accounts.Get(sub.AccountID)
	if err != nil {
		return nil, err
	}
	if !acct.State.Executable() {
		observability.SchedulerRejections.WithLabelValues("not_executable").Inc()
		return nil, fmt.Errorf("%w: account %s is %s", model.ErrAccountNotExecutable, acct.ID, acct.State)
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		observability.SchedulerRejections.WithLabelValues("draining").Inc()
		return nil, fmt.Errorf("%w: scheduler is draining", model.ErrQueueFull)
	}
	if !s.breaker.ShouldAdmit(s.queued+count-1, s.saturationLocked()) {
		s.mu.Unlock()
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: %d actions waiting", model.ErrQueueFull, s.queued)
	}

	now := s.clock.Now()
	start := sub.NotBefore
	if start.IsZero() {
		start = now
	}
	l := s.laneLocked(sub.AccountID)
	created := make([]*model.Action, 0, count)
	for i := 0; i < count; i++ {
		s.seq++
		a := &model.Action{
			ID:              uuid.NewString(),
			Seq:             s.seq,
			AccountID:       sub.AccountID,
			Kind:            sub.Kind,
			Payload:         append([]byte(nil), sub.Payload...),
			NotBefore:       start.Add(time.Duration(i) * interval),
			Priority:        sub.Priority,
			Status:          model.ActionQueued,
			ResubmittedFrom: resubmittedFrom,
			CreatedAt:       now,
		}
		s.actions[a.ID] = a
		l.push(a)
		created = append(created, a.Clone())
	}
	s.queued += count
	s.mu.Unlock()

	ids := make([]string, 0, count)
	for _, a := range created {
		ids = append(ids, a.ID)
		s.publish(events.ActionSubmitted, a, "")
	}
	s.logger.Info("actions submitted",
		"account_id", sub.AccountID,
		"kind", sub.Kind,
		"count", count,
		"not_before", start,
	)

	// The account may have left an executable state while we enqueued; the
	// registry hook that cancels its queue could have run before the push.
	if acct, err := s.accounts.Get(sub.AccountID); err != nil || acct.State == model.AccountError || acct.State == model.AccountDisabled {
		s.CancelAccount(sub.AccountID, "account left executable state during submit")
		return nil, fmt.Errorf("%w: account %s changed state", model.ErrAccountNotExecutable, sub.AccountID)
	}

	s.signal()
	return ids, nil
}

// Cancel cancels a queued action. Dispatched, retrying and terminal actions
// are not cancellable, nor is a queued action the dispatcher has claimed.
func (s *Scheduler) Cancel(actionID string) error {
	s.mu.Lock()
	a, ok := s.actions[actionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: action %s", model.ErrNotFound, actionID)
	}
	if a.Status != model.ActionQueued {
		s.mu.Unlock()
		return fmt.Errorf("%w: action %s is %s", model.ErrActionNotCancellable, actionID, a.Status)
	}
	if l, ok := s.lanes[a.AccountID]; ok && l.claimed == actionID {
		s.mu.Unlock()
		return fmt.Errorf("%w: action %s is being dispatched", model.ErrActionNotCancellable, actionID)
	}
	if l, ok := s.lanes[a.AccountID]; ok {
		l.remove(actionID)
		s.pruneLocked(l)
	}
	s.queued--
	s.finishLocked(a, model.ActionCancelled, "cancelled by operator")
	snap := a.Clone()
	s.mu.Unlock()

	s.publish(events.ActionCancelled, snap, snap.LastError)
	return nil
}

// CancelAccount cancels every queued or retrying action of the account and
// returns how many were cancelled. The in-flight action, if any, runs to
// completion.
func (s *Scheduler) CancelAccount(accountID, reason string) int {
	s.mu.Lock()
	l, ok := s.lanes[accountID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	drained := l.drain()
	snaps := make([]*model.Action, 0, len(drained))
	for _, a := range drained {
		s.finishLocked(a, model.ActionCancelled, reason)
		snaps = append(snaps, a.Clone())
	}
	s.queued -= len(drained)
	s.pruneLocked(l)
	s.mu.Unlock()

	for _, a := range snaps {
		s.publish(events.ActionCancelled, a, reason)
	}
	if len(snaps) > 0 {
		s.logger.Info("account queue cancelled", "account_id", accountID, "cancelled", len(snaps), "reason", reason)
	}
	return len(snaps)
}

// OnAccountChange reacts to registry lifecycle changes: accounts entering
// error or disabled lose their queue, removed accounts also lose their
// limiter window.
func (s *Scheduler) OnAccountChange(c registry.Change) {
	id := c.Account.ID
	switch {
	case c.Removed:
		s.CancelAccount(id, "account removed")
		s.forget(id)
	case c.To == model.AccountError:
		s.CancelAccount(id, "account entered error state")
	case c.To == model.AccountDisabled:
		s.CancelAccount(id, "account disabled")
	case c.To.Executable():
		s.signal()
	}
}

// ForgetProxy drops the limiter window of a retired proxy. It is installed
// as the pool's retire handler.
func (s *Scheduler) ForgetProxy(proxyID string) {
	s.forget(proxyID)
}

func (s *Scheduler) forget(key string) {
	if f, ok := s.limiter.(forgetter); ok {
		f.Forget(key)
	}
}

// Get returns a copy of the action.
func (s *Scheduler) Get(actionID string) (*model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", model.ErrNotFound, actionID)
	}
	return a.Clone(), nil
}

// ListByAccount returns copies of the account's actions in submission order.
func (s *Scheduler) ListByAccount(accountID string) []*model.Action {
	s.mu.Lock()
	var out []*model.Action
	for _, a := range s.actions {
		if a.AccountID == accountID {
			out = append(out, a.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Stats returns queue and worker counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:              s.queued,
		InFlight:            s.inFlight,
		Workers:             s.cfg.Workers,
		WorkerSaturation:    s.saturationLocked(),
		Accounts:            len(s.lanes),
		TotalActions:        len(s.actions),
		CircuitBreakerState: s.breaker.GetState().String(),
		Draining:            s.draining,
	}
}

// Start launches the executor workers and the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.stopLoop = cancel
		s.loopDone = make(chan struct{})

		// Executor calls outlive a cancelled parent; they are bounded by
		// ExecutionTimeout instead.
		execCtx := context.WithoutCancel(ctx)
		for i := 0; i < s.cfg.Workers; i++ {
			s.workers.Add(1)
			go s.worker(execCtx)
		}
		go s.loop(loopCtx)
		s.logger.Info("scheduler started", "workers", s.cfg.Workers, "tick", s.cfg.TickInterval)
	})
}

// Stop stops dispatching and waits for in-flight executor calls to return
// or for ctx to end. Queued actions stay queued.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	if s.stopLoop == nil {
		return nil
	}
	s.stopLoop()
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	defer close(s.work)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		start := time.Now()
		s.dispatchRound(ctx)
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}
}

type candidate struct {
	actionID  string
	accountID string
	kind      model.ActionKind
	notBefore time.Time
	attempt   int
}

// dispatchRound hands eligible actions to free workers. Candidates are
// collected under the lock, checked against the registry, pool and limiter
// without it, then claimed under the lock again.
func (s *Scheduler) dispatchRound(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	free := s.cfg.Workers - s.inFlight
	var cands []candidate
	if free > 0 && !s.draining && len(s.ring) > 0 {
		n := len(s.ring)
		s.cursor %= n
		for i := 0; i < n; i++ {
			l := s.lanes[s.ring[(s.cursor+i)%n]]
			if l.inFlight != "" {
				continue
			}
			a := l.peek()
			if a == nil || a.NotBefore.After(now) {
				continue
			}
			cands = append(cands, candidate{
				actionID:  a.ID,
				accountID: a.AccountID,
				kind:      a.Kind,
				notBefore: a.NotBefore,
				attempt:   a.Attempts + 1,
			})
		}
		s.cursor = (s.cursor + 1) % n
	}
	s.mu.Unlock()

	dispatched := 0
	for _, c := range cands {
		if dispatched >= free {
			break
		}
		if s.tryDispatch(ctx, c, now) {
			dispatched++
		}
	}

	s.mu.Lock()
	observability.ActionQueueDepth.Set(float64(s.queued))
	observability.ActionsInFlight.Set(float64(s.inFlight))
	observability.SchedulerWorkerSaturation.Set(s.saturationLocked())
	s.mu.Unlock()
}

func (s *Scheduler) tryDispatch(ctx context.Context, c candidate, now time.Time) bool {
	acct, err := s.accounts.Get(c.accountID)
	if err != nil {
		return false
	}
	if !acct.State.Executable() {
		s.logDecision(SchedulingDecision{
			Decision:  "ACCOUNT_NOT_EXECUTABLE",
			ActionID:  c.actionID,
			AccountID: c.accountID,
			Reason:    string(acct.State),
		})
		return false
	}
	if acct.ProxyID == "" {
		s.logDecision(SchedulingDecision{Decision: "PROXY_UNAVAILABLE", ActionID: c.actionID, AccountID: c.accountID, Reason: "unbound"})
		return false
	}
	proxy, err := s.proxies.Get(acct.ProxyID)
	if err != nil || proxy.Health == model.ProxyFailed {
		s.logDecision(SchedulingDecision{Decision: "PROXY_UNAVAILABLE", ActionID: c.actionID, AccountID: c.accountID, ProxyID: acct.ProxyID, Reason: "failed"})
		return false
	}

	// The head stays claimed until the limiter answers; Cancel refuses a
	// claimed action.
	s.mu.Lock()
	l, ok := s.lanes[c.accountID]
	if !ok || l.inFlight != "" || l.peek() == nil || l.peek().ID != c.actionID {
		s.mu.Unlock()
		return false
	}
	l.claimed = c.actionID
	s.mu.Unlock()

	acctLimit := s.cfg.accountLimit(acct)
	granted, err := s.limiter.Acquire(ctx,
		ratelimit.Request{Key: acct.ID, Ceiling: acctLimit.Ceiling, Window: acctLimit.Window},
		ratelimit.Request{Key: proxy.ID, Ceiling: s.cfg.ProxyLimit.Ceiling, Window: s.cfg.ProxyLimit.Window},
	)

	s.mu.Lock()
	l, ok = s.lanes[c.accountID]
	if ok && l.claimed == c.actionID {
		l.claimed = ""
	}
	if err != nil || !granted {
		if ok {
			s.pruneLocked(l)
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("rate limiter unavailable", "account_id", acct.ID, "proxy_id", proxy.ID, "error", err)
			return false
		}
		observability.RateLimitDenials.WithLabelValues("account_or_proxy").Inc()
		s.logDecision(SchedulingDecision{
			Decision:  "RATE_LIMIT_DELAY",
			ActionID:  c.actionID,
			AccountID: acct.ID,
			ProxyID:   proxy.ID,
			Reason:    "ceiling_reached",
		})
		return false
	}
	if !ok || l.inFlight != "" || l.peek() == nil || l.peek().ID != c.actionID {
		// The account queue was cancelled while the limiter was consulted;
		// the grants stay spent.
		if ok {
			s.pruneLocked(l)
		}
		s.mu.Unlock()
		return false
	}
	a := l.pop()
	a.Status = model.ActionDispatched
	a.Attempts++
	a.LastAttemptAt = now
	a.ProxyID = proxy.ID
	l.inFlight = a.ID
	s.queued--
	s.inFlight++
	snap := a.Clone()
	s.mu.Unlock()

	observability.ActionWaitSeconds.Observe(now.Sub(c.notBefore).Seconds())
	s.logDecision(SchedulingDecision{
		Decision:  "DISPATCH",
		ActionID:  snap.ID,
		AccountID: snap.AccountID,
		ProxyID:   proxy.ID,
		Kind:      snap.Kind,
		Attempt:   snap.Attempts,
	})
	s.publish(events.ActionDispatched, snap, "")

	// Never blocks: the buffer holds Workers items and inFlight never
	// exceeds Workers.
	s.work <- snap
	return true
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.workers.Done()
	for a := range s.work {
		res := s.execute(ctx, a)
		s.complete(a, res)
	}
}

func (s *Scheduler) execute(parent context.Context, a *model.Action) (res Result) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked", "action_id", a.ID, "account_id", a.AccountID, "panic", r)
			res = Permanent(fmt.Sprintf("executor panic: %v", r))
		}
		observability.ActionExecutionSeconds.Observe(time.Since(start).Seconds())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.breaker.RecordFailure()
		} else if res.Outcome == OutcomeSuccess {
			s.breaker.RecordSuccess()
		}
	}()

	d := Dispatch{Action: a.Clone()}
	if acct, err := s.accounts.Get(a.AccountID); err == nil {
		d.Account = acct
	}
	if p, err := s.proxies.Get(a.ProxyID); err == nil {
		d.Proxy = p
	}
	return s.executor.Execute(ctx, d)
}

// complete applies an executor result. Registry calls happen after the
// scheduler lock is released.
func (s *Scheduler) complete(dispatched *model.Action, res Result) {
	now := s.clock.Now()

	s.mu.Lock()
	a := s.actions[dispatched.ID]
	l := s.lanes[a.AccountID]
	if l != nil && l.inFlight == a.ID {
		l.inFlight = ""
	}
	s.inFlight--

	var kind events.Kind
	var final bool
	switch res.Outcome {
	case OutcomeSuccess:
		s.finishLocked(a, model.ActionSucceeded, "")
		kind, final = events.ActionSucceeded, true
	case OutcomeTransient:
		if a.Attempts < s.cfg.MaxAttempts && l != nil {
			delay := s.cfg.backoff(a.Attempts)
			a.Status = model.ActionRetrying
			a.LastError = res.Reason
			a.NotBefore = now.Add(delay)
			l.push(a)
			s.queued++
			kind = events.ActionRetrying
			observability.ActionRetries.Inc()
			s.logDecision(SchedulingDecision{
				Decision:  "RETRY",
				ActionID:  a.ID,
				AccountID: a.AccountID,
				Kind:      a.Kind,
				Attempt:   a.Attempts,
				DelayMS:   delay.Milliseconds(),
				Reason:    string(OutcomeTransient),
			})
		} else {
			s.finishLocked(a, model.ActionFailed, res.Reason)
			kind, final = events.ActionFailed, true
		}
	default:
		s.finishLocked(a, model.ActionFailed, res.Reason)
		kind, final = events.ActionFailed, true
	}
	if l != nil {
		s.pruneLocked(l)
	}
	snap := a.Clone()
	s.mu.Unlock()

	observability.ActionOutcomes.WithLabelValues(string(snap.Kind), string(res.Outcome)).Inc()
	s.publish(kind, snap, res.Reason)

	if final {
		s.recordResult(snap, res)
	} else if acct, err := s.accounts.Get(snap.AccountID); err != nil || acct.State == model.AccountError || acct.State == model.AccountDisabled {
		// The account left service while this attempt was in flight.
		s.CancelAccount(snap.AccountID, "account left executable state during retry")
	}
	s.signal()
}

func (s *Scheduler) recordResult(a *model.Action, res Result) {
	ok := res.Outcome == OutcomeSuccess
	failures, err := s.accounts.RecordActionResult(a.AccountID, a.Kind, ok)
	if err != nil {
		s.logger.Debug("action result not recorded", "account_id", a.AccountID, "error", err)
		return
	}
	if ok {
		return
	}
	s.logDecision(SchedulingDecision{
		Decision:  "FAIL",
		ActionID:  a.ID,
		AccountID: a.AccountID,
		Kind:      a.Kind,
		Attempt:   a.Attempts,
		Reason:    string(res.Outcome),
	})
	if failures <= s.cfg.MaxConsecutiveFailures {
		return
	}
	msg := fmt.Sprintf("%d consecutive action failures, last: %s", failures, res.Reason)
	if err := s.accounts.MarkError(a.AccountID, registry.ReasonConsecutiveFailures, msg); err != nil {
		s.logger.Warn("could not move account to error", "account_id", a.AccountID, "error", err)
		return
	}
	s.logger.Warn("account moved to error", "account_id", a.AccountID, "consecutive_failures", failures)
}

func (s *Scheduler) finishLocked(a *model.Action, status model.ActionStatus, reason string) {
	a.Status = status
	a.LastError = reason
	a.FinishedAt = s.clock.Now()
}

func (s *Scheduler) laneLocked(accountID string) *lane {
	l, ok := s.lanes[accountID]
	if !ok {
		l = newLane(accountID)
		s.lanes[accountID] = l
		s.ring = append(s.ring, accountID)
	}
	return l
}

// pruneLocked drops an idle lane from the round-robin ring.
func (s *Scheduler) pruneLocked(l *lane) {
	if !l.idle() {
		return
	}
	delete(s.lanes, l.accountID)
	for i, id := range s.ring {
		if id == l.accountID {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			break
		}
	}
}

func (s *Scheduler) saturationLocked() float64 {
	return float64(s.inFlight) / float64(s.cfg.Workers)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(kind events.Kind, a *model.Action, reason string) {
	s.sink.Publish(events.Event{
		Kind:      kind,
		Time:      s.clock.Now(),
		AccountID: a.AccountID,
		ProxyID:   a.ProxyID,
		ActionID:  a.ID,
		Reason:    reason,
		Action:    a,
	})
}

func (s *Scheduler) logDecision(d SchedulingDecision) {
	level := slog.LevelDebug
	if d.Decision == "DISPATCH" || d.Decision == "FAIL" {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "scheduling decision",
		"component", "scheduler",
		"decision", d.Decision,
		"action_id", d.ActionID,
		"account_id", d.AccountID,
		"proxy_id", d.ProxyID,
		"kind", d.Kind,
		"attempt", d.Attempt,
		"delay_ms", d.DelayMS,
		"reason", d.Reason,
	)
	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}
