package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/resilience"
)

func runRecorder(t *testing.T, r *Recorder) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRecorderMirrorsEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := NewRecorder(s, 16, nil)
	stop := runRecorder(t, r)

	proxy := &model.Proxy{ID: "p1", Address: "h:1", Health: model.ProxyActive, Credentials: model.Credentials("pw")}
	r.Publish(events.Event{Kind: events.ProxyRegistered, ProxyID: "p1", Proxy: proxy})
	r.Publish(events.Event{Kind: events.AccountRegistered, AccountID: "a1", Account: &model.Account{ID: "a1", State: model.AccountPending}})
	r.Publish(events.Event{Kind: events.AccountProxyChanged, AccountID: "a1", ProxyID: "p1", Proxy: &model.Proxy{ID: "p1", Address: "h:1", Assigned: []string{"a1"}}})
	r.Publish(events.Event{Kind: events.ActionSubmitted, AccountID: "a1", ActionID: "x1", Action: &model.Action{ID: "x1", AccountID: "a1", Status: model.ActionQueued}})
	r.Publish(events.Event{Kind: events.ActionSucceeded, AccountID: "a1", ActionID: "x1", Action: &model.Action{ID: "x1", AccountID: "a1", Status: model.ActionSucceeded}})
	stop()

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "p1", accounts[0].ProxyID, "proxy binding patched onto the last account record")

	proxies, err := s.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, []string{"a1"}, proxies[0].Assigned)
	assert.Empty(t, proxies[0].Credentials)

	actions, err := s.ListActions(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionSucceeded, actions[0].Status)
}

func TestRecorderDeletesRemovedEntities(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertAccount(ctx, &model.Account{ID: "a1"}))
	require.NoError(t, s.UpsertProxy(ctx, &model.Proxy{ID: "p1"}))

	r := NewRecorder(s, 16, nil)
	stop := runRecorder(t, r)
	r.Publish(events.Event{Kind: events.AccountRemoved, AccountID: "a1", Account: &model.Account{ID: "a1", State: model.AccountDisabled}})
	r.Publish(events.Event{Kind: events.ProxyRetired, ProxyID: "p1", Proxy: &model.Proxy{ID: "p1"}})
	stop()

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	proxies, err := s.ListProxies(ctx)
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

func TestRecorderPublishNeverBlocks(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), 2, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Publish(events.Event{Kind: events.ProxyProbed, Proxy: &model.Proxy{ID: "p1"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no reader")
	}
	assert.Len(t, r.ch, 2)
}

type failingStore struct {
	*MemoryStore
	calls int
}

func (f *failingStore) UpsertAction(ctx context.Context, a *model.Action) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecorderContinuesAfterWriteError(t *testing.T) {
	ctx := context.Background()
	s := &failingStore{MemoryStore: NewMemoryStore()}
	r := NewRecorder(s, 16, nil)
	stop := runRecorder(t, r)

	r.Publish(events.Event{Kind: events.ActionSubmitted, Action: &model.Action{ID: "x1", AccountID: "a1"}})
	r.Publish(events.Event{Kind: events.AccountRegistered, AccountID: "a1", Account: &model.Account{ID: "a1"}})
	stop()

	assert.Equal(t, 1, s.calls)
	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestRecorderReportsStoreHealth(t *testing.T) {
	health := resilience.NewDegradedMode(nil, nil)
	s := &failingStore{MemoryStore: NewMemoryStore()}
	r := NewRecorder(s, 16, nil).WithHealth(health)

	stop := runRecorder(t, r)
	r.Publish(events.Event{Kind: events.ActionSubmitted, Action: &model.Action{ID: "x1", AccountID: "a1"}})
	stop()
	assert.False(t, health.Available(resilience.DependencyStore))

	stop = runRecorder(t, r)
	r.Publish(events.Event{Kind: events.AccountRegistered, AccountID: "a1", Account: &model.Account{ID: "a1"}})
	stop()
	assert.True(t, health.Available(resilience.DependencyStore))
}
