package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
	"github.com/itskum47/accountforge/control_plane/resilience"
)

// Recorder is an events.Sink that mirrors entity snapshots into a Store.
// Publish never blocks: events are buffered and written by Run. When the
// buffer is full the event is dropped and counted.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	ch           chan events.Event
	writeTimeout time.Duration
	health       *resilience.DegradedMode

	// Owned by the Run goroutine. Pool-side proxy changes carry no account
	// record, so the last one seen is patched and rewritten.
	accounts map[string]*model.Account
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(s Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:        s,
		logger:       logger,
		ch:           make(chan events.Event, buffer),
		writeTimeout: 5 * time.Second,
		accounts:     make(map[string]*model.Account),
	}
}

// WithHealth reports write failures and recoveries as the store
// dependency. Call before Run.
func (r *Recorder) WithHealth(d *resilience.DegradedMode) *Recorder {
	d.Track(resilience.DependencyStore)
	r.health = d
	return r
}

// Publish implements events.Sink.
func (r *Recorder) Publish(e events.Event) {
	select {
	case r.ch <- e:
	default:
		observability.EventPersistFailures.WithLabelValues(string(e.Kind), "buffer_full").Inc()
	}
}

// Run writes buffered events until ctx ends, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case e := <-r.ch:
			r.write(ctx, e)
		}
	}
}

func (r *Recorder) drain() {
	ctx := context.Background()
	for {
		select {
		case e := <-r.ch:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(parent context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(parent, r.writeTimeout)
	defer cancel()

	err := r.apply(ctx, e)
	if r.health != nil {
		if err != nil {
			r.health.MarkUnavailable(resilience.DependencyStore, err)
		} else {
			r.health.MarkAvailable(resilience.DependencyStore)
		}
	}
	if err != nil {
		observability.EventPersistFailures.WithLabelValues(string(e.Kind), "write_error").Inc()
		r.logger.Warn("snapshot mirror write failed",
			"kind", e.Kind,
			"account_id", e.AccountID,
			"proxy_id", e.ProxyID,
			"action_id", e.ActionID,
			"error", err,
		)
	}
}

func (r *Recorder) apply(ctx context.Context, e events.Event) error {
	switch {
	case e.Kind == events.AccountRemoved:
		delete(r.accounts, e.AccountID)
		return r.store.DeleteAccount(ctx, e.AccountID)
	case e.Account != nil:
		r.accounts[e.Account.ID] = e.Account.Clone()
		return r.store.UpsertAccount(ctx, e.Account)
	}

	if e.Kind == events.AccountProxyChanged {
		if acct, ok := r.accounts[e.AccountID]; ok {
			acct.ProxyID = e.ProxyID
			if err := r.store.UpsertAccount(ctx, acct); err != nil {
				return err
			}
		}
	}

	switch {
	case e.Kind == events.ProxyRetired:
		return r.store.DeleteProxy(ctx, e.ProxyID)
	case e.Proxy != nil:
		return r.store.UpsertProxy(ctx, e.Proxy)
	}

	if e.Action != nil {
		return r.store.UpsertAction(ctx, e.Action)
	}
	return nil
}
