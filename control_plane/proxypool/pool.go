package proxypool

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

// Config holds the health thresholds applied to probe results.
type Config struct {
	// ProbeWindow is the number of recent probes health is derived from.
	ProbeWindow int
	// MinSamples is the probe count required before the failure rate is judged.
	MinSamples int
	// DegradedFailureRate is the window failure rate above which an active
	// proxy becomes degraded.
	DegradedFailureRate float64
	// FailureStreak is the consecutive failure count that marks a proxy failed.
	FailureStreak int
	// RecoveryStreak is the consecutive success count that restores a
	// degraded or failed proxy to active.
	RecoveryStreak int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeWindow:         10,
		MinSamples:          3,
		DegradedFailureRate: 0.3,
		FailureStreak:       5,
		RecoveryStreak:      3,
	}
}

// ProxySpec describes a proxy to register.
type ProxySpec struct {
	Address     string            `json:"address"`
	Credentials model.Credentials `json:"-"`
	Capacity    int               `json:"capacity"`
}

// ProbeResult is one health probe outcome reported by a prober.
type ProbeResult struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
}

// ReassignFunc is called, outside the pool lock, for every account bound to
// a proxy that just entered the failed state. Accounts still stranded on a
// failed proxy are offered again whenever capacity appears: a proxy
// recovering to active or a new registration.
type ReassignFunc func(accountID, fromProxyID string)

// RetireFunc is called, outside the pool lock, after a proxy is retired.
type RetireFunc func(proxyID string)

type binding struct {
	accountID string
	proxyID   string
}

// Pool owns the proxies, their health, and the account-to-proxy relation.
type Pool struct {
	mu        sync.RWMutex
	cfg       Config
	clock     clock.Clock
	sink      events.Sink
	logger    *slog.Logger
	proxies   map[string]*entry
	byAddress map[string]string
	bindings  map[string]string // account id -> proxy id
	onFailed  ReassignFunc
	onRetired RetireFunc
}

type entry struct {
	proxy     model.Proxy
	assigned  map[string]struct{}
	window    []probe
	probes    int
	successes int
}

type probe struct {
	ok      bool
	latency time.Duration
}

// New creates an empty pool.
func New(cfg Config, c clock.Clock, sink events.Sink, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = def.ProbeWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.DegradedFailureRate <= 0 {
		cfg.DegradedFailureRate = def.DegradedFailureRate
	}
	if cfg.FailureStreak <= 0 {
		cfg.FailureStreak = def.FailureStreak
	}
	if cfg.RecoveryStreak <= 0 {
		cfg.RecoveryStreak = def.RecoveryStreak
	}
	return &Pool{
		cfg:       cfg,
		clock:     clock.OrReal(c),
		sink:      events.OrDiscard(sink),
		logger:    logger,
		proxies:   make(map[string]*entry),
		byAddress: make(map[string]string),
		bindings:  make(map[string]string),
	}
}

// OnFailed installs the reassignment handler.
func (p *Pool) OnFailed(fn ReassignFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = fn
}

// OnRetired installs the retire handler.
func (p *Pool) OnRetired(fn RetireFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRetired = fn
}

// Register adds a proxy in the active state.
func (p *Pool) Register(spec ProxySpec) (string, error) {
	addr := strings.TrimSpace(spec.Address)
	if addr == "" {
		return "", fmt.Errorf("%w: proxy address is required", model.ErrInvalidArgument)
	}
	if spec.Capacity <= 0 {
		return "", fmt.Errorf("%w: proxy capacity must be positive", model.ErrInvalidArgument)
	}

	p.mu.Lock()
	if existing, ok := p.byAddress[addr]; ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s already registered as %s", model.ErrDuplicateProxy, addr, existing)
	}
	now := p.clock.Now()
	e := &entry{
		proxy: model.Proxy{
			ID:            uuid.NewString(),
			Address:       addr,
			Credentials:   append(model.Credentials(nil), spec.Credentials...),
			Health:        model.ProxyActive,
			Capacity:      spec.Capacity,
			UptimePercent: 100,
			CreatedAt:     now,
		},
		assigned: make(map[string]struct{}),
	}
	p.proxies[e.proxy.ID] = e
	p.byAddress[addr] = e.proxy.ID
	snap := e.snapshot()
	stranded := p.strandedLocked()
	onFailed := p.onFailed
	p.mu.Unlock()

	p.logger.Info("proxy registered", "proxy_id", snap.ID, "address", addr, "capacity", spec.Capacity)
	p.sink.Publish(events.Event{Kind: events.ProxyRegistered, Time: now, ProxyID: snap.ID, Proxy: snap})
	p.reassign(onFailed, stranded)
	return snap.ID, nil
}

// Assign binds accountID to a proxy. A preferred proxy is used when it is
// eligible; otherwise the active proxy with spare capacity and the lowest
// load ratio wins, ties broken by latency then id. An already bound account
// keeps its current binding.
func (p *Pool) Assign(accountID, preferredProxyID string) (string, error) {
	p.mu.Lock()
	if current, ok := p.bindings[accountID]; ok {
		p.mu.Unlock()
		return current, nil
	}

	var chosen *entry
	if e, ok := p.proxies[preferredProxyID]; ok && e.eligible() {
		chosen = e
	} else {
		chosen = p.pickLocked("")
	}
	if chosen == nil {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: account %s", model.ErrNoEligibleProxy, accountID)
	}
	p.bindLocked(accountID, chosen)
	snap := chosen.snapshot()
	p.mu.Unlock()

	p.publishBinding(accountID, snap.ID, snap, "assigned")
	return snap.ID, nil
}

// Release removes the binding for accountID. Releasing an unbound account
// is a no-op.
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	proxyID, ok := p.bindings[accountID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e := p.proxies[proxyID]
	p.unbindLocked(accountID, e)
	snap := e.snapshot()
	p.mu.Unlock()

	p.publishBinding(accountID, "", snap, "released")
}

// Reassign moves accountID off its current proxy onto the best other
// eligible proxy. The binding is left unchanged when nothing qualifies.
func (p *Pool) Reassign(accountID string) (string, error) {
	p.mu.Lock()
	fromID, bound := p.bindings[accountID]
	next := p.pickLocked(fromID)
	if next == nil {
		p.mu.Unlock()
		return fromID, fmt.Errorf("%w: reassigning account %s", model.ErrNoEligibleProxy, accountID)
	}
	var fromSnap *model.Proxy
	if bound {
		from := p.proxies[fromID]
		p.unbindLocked(accountID, from)
		fromSnap = from.snapshot()
	}
	p.bindLocked(accountID, next)
	toSnap := next.snapshot()
	p.mu.Unlock()

	if fromSnap != nil {
		p.publishBinding(accountID, "", fromSnap, "reassigned")
	}
	p.publishBinding(accountID, toSnap.ID, toSnap, "reassigned")
	p.logger.Info("account reassigned", "account_id", accountID, "from_proxy", fromID, "to_proxy", toSnap.ID)
	return toSnap.ID, nil
}

// ReportProbe folds a probe result into the proxy's rolling window and
// re-derives its health.
func (p *Pool) ReportProbe(proxyID string, result ProbeResult) error {
	p.mu.Lock()
	e, ok := p.proxies[proxyID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: proxy %s", model.ErrNotFound, proxyID)
	}

	now := p.clock.Now()
	e.record(result, p.cfg.ProbeWindow)
	e.proxy.LastProbeAt = now

	from := e.proxy.Health
	to := e.evaluate(p.cfg)
	e.proxy.Health = to

	var stranded []binding
	switch {
	case to == model.ProxyFailed && from != model.ProxyFailed:
		for _, accountID := range e.accountIDs() {
			stranded = append(stranded, binding{accountID: accountID, proxyID: proxyID})
		}
	case to == model.ProxyActive && from != model.ProxyActive:
		stranded = p.strandedLocked()
	}
	onFailed := p.onFailed
	snap := e.snapshot()
	p.mu.Unlock()

	if result.Success {
		observability.ProxyProbeLatency.Observe(result.Latency.Seconds())
	}
	p.sink.Publish(events.Event{Kind: events.ProxyProbed, Time: now, ProxyID: proxyID, Proxy: snap})

	if from != to {
		observability.ProxyHealthTransitions.WithLabelValues(string(from), string(to)).Inc()
		p.logger.Warn("proxy health changed",
			"proxy_id", proxyID,
			"from", from,
			"to", to,
			"consecutive_failures", snap.ConsecutiveFailures,
		)
		p.sink.Publish(events.Event{
			Kind:    events.ProxyHealthChanged,
			Time:    now,
			ProxyID: proxyID,
			Reason:  fmt.Sprintf("%s->%s", from, to),
			Proxy:   snap,
		})
	}

	p.reassign(onFailed, stranded)
	return nil
}

// Retire removes a proxy that has no bound accounts.
func (p *Pool) Retire(proxyID string) error {
	p.mu.Lock()
	e, ok := p.proxies[proxyID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: proxy %s", model.ErrNotFound, proxyID)
	}
	if len(e.assigned) > 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: proxy %s has %d accounts", model.ErrProxyInUse, proxyID, len(e.assigned))
	}
	delete(p.proxies, proxyID)
	delete(p.byAddress, e.proxy.Address)
	snap := e.snapshot()
	onRetired := p.onRetired
	p.mu.Unlock()

	p.logger.Info("proxy retired", "proxy_id", proxyID)
	p.sink.Publish(events.Event{Kind: events.ProxyRetired, Time: p.clock.Now(), ProxyID: proxyID, Proxy: snap})
	if onRetired != nil {
		onRetired(proxyID)
	}
	return nil
}

// Get returns a copy of the proxy.
func (p *Pool) Get(proxyID string) (*model.Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.proxies[proxyID]
	if !ok {
		return nil, fmt.Errorf("%w: proxy %s", model.ErrNotFound, proxyID)
	}
	return e.snapshot(), nil
}

// List returns copies of all proxies ordered by id.
func (p *Pool) List() []*model.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*model.Proxy, 0, len(p.proxies))
	for _, e := range p.proxies {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BoundProxy returns the proxy bound to accountID, or "".
func (p *Pool) BoundProxy(accountID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bindings[accountID]
}

// pickLocked returns the best eligible proxy other than exclude.
func (p *Pool) pickLocked(exclude string) *entry {
	var best *entry
	for id, e := range p.proxies {
		if id == exclude || !e.eligible() {
			continue
		}
		if best == nil || e.better(best) {
			best = e
		}
	}
	return best
}

// strandedLocked lists accounts bound to failed proxies, ordered by proxy
// then account.
func (p *Pool) strandedLocked() []binding {
	var out []binding
	for id, e := range p.proxies {
		if e.proxy.Health != model.ProxyFailed {
			continue
		}
		for _, accountID := range e.accountIDs() {
			out = append(out, binding{accountID: accountID, proxyID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].proxyID != out[j].proxyID {
			return out[i].proxyID < out[j].proxyID
		}
		return out[i].accountID < out[j].accountID
	})
	return out
}

func (p *Pool) reassign(fn ReassignFunc, stranded []binding) {
	if fn == nil {
		return
	}
	for _, b := range stranded {
		fn(b.accountID, b.proxyID)
	}
}

func (p *Pool) bindLocked(accountID string, e *entry) {
	e.assigned[accountID] = struct{}{}
	p.bindings[accountID] = e.proxy.ID
}

func (p *Pool) unbindLocked(accountID string, e *entry) {
	delete(e.assigned, accountID)
	delete(p.bindings, accountID)
}

func (p *Pool) publishBinding(accountID, proxyID string, proxy *model.Proxy, reason string) {
	p.sink.Publish(events.Event{
		Kind:      events.AccountProxyChanged,
		Time:      p.clock.Now(),
		AccountID: accountID,
		ProxyID:   proxyID,
		Reason:    reason,
		Proxy:     proxy,
	})
}

func (e *entry) eligible() bool {
	return e.proxy.Health == model.ProxyActive && len(e.assigned) < e.proxy.Capacity
}

func (e *entry) load() float64 {
	return float64(len(e.assigned)) / float64(e.proxy.Capacity)
}

func (e *entry) better(other *entry) bool {
	if l, o := e.load(), other.load(); l != o {
		return l < o
	}
	if e.proxy.AvgLatency != other.proxy.AvgLatency {
		return e.proxy.AvgLatency < other.proxy.AvgLatency
	}
	return e.proxy.ID < other.proxy.ID
}

func (e *entry) record(r ProbeResult, size int) {
	e.window = append(e.window, probe{ok: r.Success, latency: r.Latency})
	if len(e.window) > size {
		e.window = e.window[len(e.window)-size:]
	}
	e.probes++
	if r.Success {
		e.successes++
		e.proxy.ConsecutiveSuccesses++
		e.proxy.ConsecutiveFailures = 0
	} else {
		e.proxy.ConsecutiveFailures++
		e.proxy.ConsecutiveSuccesses = 0
	}

	var total time.Duration
	var n int
	for _, pr := range e.window {
		if pr.ok {
			total += pr.latency
			n++
		}
	}
	if n > 0 {
		e.proxy.AvgLatency = total / time.Duration(n)
	}
	e.proxy.UptimePercent = float64(e.successes) / float64(e.probes) * 100
}

func (e *entry) failureRate() float64 {
	if len(e.window) == 0 {
		return 0
	}
	failures := 0
	for _, pr := range e.window {
		if !pr.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(e.window))
}

// evaluate derives health. The failure streak wins over everything; a
// recovery streak restores active and restarts the window from the streak.
func (e *entry) evaluate(cfg Config) model.ProxyHealth {
	current := e.proxy.Health
	switch {
	case e.proxy.ConsecutiveFailures >= cfg.FailureStreak:
		return model.ProxyFailed
	case current != model.ProxyActive && e.proxy.ConsecutiveSuccesses >= cfg.RecoveryStreak:
		keep := cfg.RecoveryStreak
		if keep > len(e.window) {
			keep = len(e.window)
		}
		e.window = append([]probe(nil), e.window[len(e.window)-keep:]...)
		return model.ProxyActive
	case current == model.ProxyActive && len(e.window) >= cfg.MinSamples && e.failureRate() > cfg.DegradedFailureRate:
		return model.ProxyDegraded
	}
	return current
}

func (e *entry) accountIDs() []string {
	ids := make([]string, 0, len(e.assigned))
	for id := range e.assigned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *entry) snapshot() *model.Proxy {
	c := e.proxy.Clone()
	c.Assigned = e.accountIDs()
	return c
}
