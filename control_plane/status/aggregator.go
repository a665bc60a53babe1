package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// Config bounds what the aggregator retains.
type Config struct {
	// RecentPerAccount is how many recent actions are kept per account.
	RecentPerAccount int
	// FeedSize is how many events the global live feed keeps.
	FeedSize int
	// SubscriberBuffer is the per-subscriber channel size. Subscribers that
	// fall this far behind are dropped.
	SubscriberBuffer int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{RecentPerAccount: 20, FeedSize: 500, SubscriberBuffer: 256}
}

// Snapshot is a point-in-time copy of everything the aggregator knows.
type Snapshot struct {
	Seq             uint64                     `json:"seq"`
	TakenAt         time.Time                  `json:"taken_at"`
	Accounts        []*model.Account           `json:"accounts"`
	Proxies         []*model.Proxy             `json:"proxies"`
	RecentActions   map[string][]*model.Action `json:"recent_actions"`
	Feed            []events.Event             `json:"feed"`
	AccountsByState map[model.AccountState]int `json:"accounts_by_state"`
	ProxiesByHealth map[model.ProxyHealth]int  `json:"proxies_by_health"`
}

// Aggregator folds component events into a read-optimized view. Producers
// only touch the ingest buffer; the view is updated by Run or Flush.
type Aggregator struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	ingestMu sync.Mutex
	pending  []events.Event
	seq      uint64
	notify   chan struct{}

	mu       sync.RWMutex
	applied  uint64
	accounts map[string]*model.Account
	proxies  map[string]*model.Proxy
	recent   map[string][]*model.Action
	feed     []events.Event
	subs     map[uint64]*Subscription
	nextSub  uint64
}

// New creates an empty aggregator.
func New(cfg Config, c clock.Clock, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.RecentPerAccount <= 0 {
		cfg.RecentPerAccount = def.RecentPerAccount
	}
	if cfg.FeedSize <= 0 {
		cfg.FeedSize = def.FeedSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:      cfg,
		clock:    clock.OrReal(c),
		logger:   logger,
		notify:   make(chan struct{}, 1),
		accounts: make(map[string]*model.Account),
		proxies:  make(map[string]*model.Proxy),
		recent:   make(map[string][]*model.Action),
		subs:     make(map[uint64]*Subscription),
	}
}

// Publish implements events.Sink.
func (a *Aggregator) Publish(e events.Event) { a.OnEvent(e) }

// OnEvent appends e to the ingest buffer in arrival order.
func (a *Aggregator) OnEvent(e events.Event) {
	a.ingestMu.Lock()
	a.seq++
	e.Seq = a.seq
	a.pending = append(a.pending, e)
	a.ingestMu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Run applies ingested events until ctx ends, then closes every subscriber.
func (a *Aggregator) Run(ctx context.Context) error {
	defer a.closeAll()
	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return nil
		case <-a.notify:
			a.Flush()
		}
	}
}

// Flush applies every buffered event and fans it out to subscribers.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ingestMu.Lock()
	batch := a.pending
	a.pending = nil
	a.ingestMu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, e := range batch {
		a.applyLocked(e)
		a.fanoutLocked(e)
	}
	a.publishGaugesLocked()
}

// Snapshot returns a copy of the current view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// Subscription is a live feed of events applied after its snapshot.
type Subscription struct {
	Snapshot Snapshot
	Events   <-chan events.Event

	id   uint64
	ch   chan events.Event
	agg  *Aggregator
	once sync.Once
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.agg.mu.Lock()
	defer s.agg.mu.Unlock()
	s.agg.removeLocked(s)
}

// Stream subscribes to events. The returned snapshot and the first event
// on the channel are contiguous: nothing is missed or repeated.
func (a *Aggregator) Stream() *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextSub++
	ch := make(chan events.Event, a.cfg.SubscriberBuffer)
	sub := &Subscription{
		Snapshot: a.snapshotLocked(),
		Events:   ch,
		id:       a.nextSub,
		ch:       ch,
		agg:      a,
	}
	a.subs[sub.id] = sub
	observability.StreamSubscribers.Set(float64(len(a.subs)))
	return sub
}

func (a *Aggregator) applyLocked(e events.Event) {
	a.applied = e.Seq

	if e.Account != nil {
		if e.Kind == events.AccountRemoved {
			delete(a.accounts, e.AccountID)
			delete(a.recent, e.AccountID)
		} else {
			a.accounts[e.Account.ID] = e.Account.Clone()
		}
	}

	if e.Proxy != nil {
		if e.Kind == events.ProxyRetired {
			delete(a.proxies, e.Proxy.ID)
		} else {
			p := e.Proxy.Clone()
			p.Credentials = nil
			a.proxies[p.ID] = p
		}
	}

	if e.Kind == events.AccountProxyChanged {
		if acct, ok := a.accounts[e.AccountID]; ok {
			acct.ProxyID = e.ProxyID
		}
	}

	if e.Action != nil {
		a.recordActionLocked(e.Action)
	}

	a.feed = append(a.feed, stripped(e))
	if over := len(a.feed) - a.cfg.FeedSize; over > 0 {
		a.feed = append(a.feed[:0], a.feed[over:]...)
	}
}

// recordActionLocked replaces the action's previous entry or appends it,
// evicting the oldest entries past the per-account bound.
func (a *Aggregator) recordActionLocked(act *model.Action) {
	list := a.recent[act.AccountID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID == act.ID {
			list[i] = act.Clone()
			return
		}
	}
	list = append(list, act.Clone())
	if over := len(list) - a.cfg.RecentPerAccount; over > 0 {
		list = append(list[:0], list[over:]...)
	}
	a.recent[act.AccountID] = list
}

func (a *Aggregator) fanoutLocked(e events.Event) {
	e = stripped(e)
	for _, sub := range a.subs {
		select {
		case sub.ch <- e:
		default:
			observability.StreamSubscriberDrops.Inc()
			a.logger.Warn("status subscriber dropped", "subscriber", sub.id, "buffer", cap(sub.ch))
			a.removeLocked(sub)
		}
	}
}

func (a *Aggregator) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		delete(a.subs, sub.id)
		close(sub.ch)
		observability.StreamSubscribers.Set(float64(len(a.subs)))
	})
}

func (a *Aggregator) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.subs {
		a.removeLocked(sub)
	}
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:             a.applied,
		TakenAt:         a.clock.Now(),
		Accounts:        make([]*model.Account, 0, len(a.accounts)),
		Proxies:         make([]*model.Proxy, 0, len(a.proxies)),
		RecentActions:   make(map[string][]*model.Action, len(a.recent)),
		Feed:            append([]events.Event(nil), a.feed...),
		AccountsByState: make(map[model.AccountState]int, len(model.AccountStates)),
		ProxiesByHealth: make(map[model.ProxyHealth]int, len(model.ProxyHealths)),
	}
	for _, s := range model.AccountStates {
		snap.AccountsByState[s] = 0
	}
	for _, h := range model.ProxyHealths {
		snap.ProxiesByHealth[h] = 0
	}
	for _, acct := range a.accounts {
		snap.Accounts = append(snap.Accounts, acct.Clone())
		snap.AccountsByState[acct.State]++
	}
	for _, p := range a.proxies {
		snap.Proxies = append(snap.Proxies, p.Clone())
		snap.ProxiesByHealth[p.Health]++
	}
	for id, list := range a.recent {
		cp := make([]*model.Action, len(list))
		for i, act := range list {
			cp[i] = act.Clone()
		}
		snap.RecentActions[id] = cp
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	sort.Slice(snap.Proxies, func(i, j int) bool { return snap.Proxies[i].ID < snap.Proxies[j].ID })
	return snap
}

func (a *Aggregator) publishGaugesLocked() {
	byState := make(map[model.AccountState]int, len(model.AccountStates))
	for _, acct := range a.accounts {
		byState[acct.State]++
	}
	for _, s := range model.AccountStates {
		observability.AccountsByState.WithLabelValues(string(s)).Set(float64(byState[s]))
	}

	byHealth := make(map[model.ProxyHealth]int, len(model.ProxyHealths))
	for _, p := range a.proxies {
		byHealth[p.Health]++
	}
	for _, h := range model.ProxyHealths {
		observability.ProxiesByHealth.WithLabelValues(string(h)).Set(float64(byHealth[h]))
	}
}

// stripped drops proxy credentials from an outgoing event.
func stripped(e events.Event) events.Event {
	if e.Proxy != nil && len(e.Proxy.Credentials) > 0 {
		p := e.Proxy.Clone()
		p.Credentials = nil
		e.Proxy = p
	}
	return e
}
