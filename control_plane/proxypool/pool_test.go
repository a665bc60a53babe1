package proxypool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/model"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestPool(t *testing.T) (*Pool, *recorder) {
	t.Helper()
	rec := &recorder{}
	return New(DefaultConfig(), clock.NewFake(epoch), rec, nil), rec
}

func failN(t *testing.T, p *Pool, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.ReportProbe(id, ProbeResult{Success: false}))
	}
}

func succeedN(t *testing.T, p *Pool, id string, n int, latency time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.ReportProbe(id, ProbeResult{Success: true, Latency: latency}))
	}
}

func TestRegisterRejectsDuplicateAddress(t *testing.T) {
	p, _ := newTestPool(t)

	_, err := p.Register(ProxySpec{Address: "10.0.0.1:8080", Capacity: 2})
	require.NoError(t, err)

	_, err = p.Register(ProxySpec{Address: "10.0.0.1:8080", Capacity: 5})
	assert.ErrorIs(t, err, model.ErrDuplicateProxy)

	_, err = p.Register(ProxySpec{Address: "10.0.0.2:8080", Capacity: 0})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestAssignBindsToActiveProxy(t *testing.T) {
	p, rec := newTestPool(t)

	p1, err := p.Register(ProxySpec{Address: "p1:3128", Capacity: 2, Credentials: model.Credentials("user:pass")})
	require.NoError(t, err)

	got, err := p.Assign("a1", "")
	require.NoError(t, err)
	assert.Equal(t, p1, got)
	assert.Equal(t, p1, p.BoundProxy("a1"))

	snap, err := p.Get(p1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, snap.Assigned)
	assert.Equal(t, model.ProxyActive, snap.Health)

	// Already bound accounts keep their proxy.
	again, err := p.Assign("a1", "")
	require.NoError(t, err)
	assert.Equal(t, p1, again)

	assert.Equal(t, []events.Kind{events.ProxyRegistered, events.AccountProxyChanged}, rec.kinds())
}

func TestAssignPrefersLowestLoadThenLatencyThenID(t *testing.T) {
	p, _ := newTestPool(t)

	slow, err := p.Register(ProxySpec{Address: "slow:1", Capacity: 4})
	require.NoError(t, err)
	fast, err := p.Register(ProxySpec{Address: "fast:1", Capacity: 4})
	require.NoError(t, err)

	succeedN(t, p, slow, 1, 200*time.Millisecond)
	succeedN(t, p, fast, 1, 20*time.Millisecond)

	// Equal load: latency decides.
	got, err := p.Assign("a1", "")
	require.NoError(t, err)
	assert.Equal(t, fast, got)

	// fast is now at 1/4, slow at 0/4.
	got, err = p.Assign("a2", "")
	require.NoError(t, err)
	assert.Equal(t, slow, got)

	// Preferred proxy wins while eligible.
	got, err = p.Assign("a3", slow)
	require.NoError(t, err)
	assert.Equal(t, slow, got)
}

func TestAssignTieBreaksByID(t *testing.T) {
	p, _ := newTestPool(t)

	a, err := p.Register(ProxySpec{Address: "a:1", Capacity: 1})
	require.NoError(t, err)
	b, err := p.Register(ProxySpec{Address: "b:1", Capacity: 1})
	require.NoError(t, err)

	want := a
	if b < a {
		want = b
	}
	got, err := p.Assign("acct", "")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAssignNeverExceedsCapacity(t *testing.T) {
	p, _ := newTestPool(t)
	id, err := p.Register(ProxySpec{Address: "p:1", Capacity: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Assign(fmt.Sprintf("acct-%d", i), ""); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, model.ErrNoEligibleProxy)
			}
		}(i)
	}
	wg.Wait()

	snap, err := p.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)
	assert.Len(t, snap.Assigned, 3)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, rec := newTestPool(t)
	id, err := p.Register(ProxySpec{Address: "p:1", Capacity: 2})
	require.NoError(t, err)
	_, err = p.Assign("a1", "")
	require.NoError(t, err)

	p.Release("a1")
	before := len(rec.kinds())
	p.Release("a1")

	assert.Len(t, rec.kinds(), before)
	assert.Equal(t, "", p.BoundProxy("a1"))
	snap, err := p.Get(id)
	require.NoError(t, err)
	assert.Empty(t, snap.Assigned)
}

func TestConsecutiveFailuresMarkProxyFailed(t *testing.T) {
	p, rec := newTestPool(t)

	var reassigned []string
	p.OnFailed(func(accountID, from string) { reassigned = append(reassigned, accountID) })

	p2, err := p.Register(ProxySpec{Address: "p2:1", Capacity: 2})
	require.NoError(t, err)
	_, err = p.Assign("a2", p2)
	require.NoError(t, err)

	failN(t, p, p2, 5)

	snap, err := p.Get(p2)
	require.NoError(t, err)
	assert.Equal(t, model.ProxyFailed, snap.Health)
	assert.Equal(t, []string{"a2"}, reassigned)

	// Failed proxies are never selected, even when preferred.
	_, err = p.Assign("a3", p2)
	assert.ErrorIs(t, err, model.ErrNoEligibleProxy)

	var changes []string
	for _, e := range rec.events {
		if e.Kind == events.ProxyHealthChanged {
			changes = append(changes, e.Reason)
		}
	}
	assert.Equal(t, []string{"active->degraded", "degraded->failed"}, changes)
}

func TestFailureRateDegradesAndStreakRecovers(t *testing.T) {
	p, _ := newTestPool(t)
	id, err := p.Register(ProxySpec{Address: "p:1", Capacity: 1})
	require.NoError(t, err)

	succeedN(t, p, id, 2, 10*time.Millisecond)
	failN(t, p, id, 1)
	snap, _ := p.Get(id)
	assert.Equal(t, model.ProxyDegraded, snap.Health, "1/3 failures exceeds 0.3")

	_, err = p.Assign("a1", "")
	assert.ErrorIs(t, err, model.ErrNoEligibleProxy)

	succeedN(t, p, id, 3, 10*time.Millisecond)
	snap, _ = p.Get(id)
	assert.Equal(t, model.ProxyActive, snap.Health)

	// The old failure no longer counts against the recovered proxy.
	succeedN(t, p, id, 1, 10*time.Millisecond)
	snap, _ = p.Get(id)
	assert.Equal(t, model.ProxyActive, snap.Health)
}

func TestProbeStatistics(t *testing.T) {
	p, _ := newTestPool(t)
	id, err := p.Register(ProxySpec{Address: "p:1", Capacity: 1})
	require.NoError(t, err)

	snap, _ := p.Get(id)
	assert.Equal(t, 100.0, snap.UptimePercent)

	succeedN(t, p, id, 1, 10*time.Millisecond)
	succeedN(t, p, id, 1, 30*time.Millisecond)
	failN(t, p, id, 2)

	snap, _ = p.Get(id)
	assert.Equal(t, 20*time.Millisecond, snap.AvgLatency)
	assert.InDelta(t, 50.0, snap.UptimePercent, 0.001)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, epoch, snap.LastProbeAt)

	assert.ErrorIs(t, p.ReportProbe("missing", ProbeResult{}), model.ErrNotFound)
}

func TestReassignMovesAccount(t *testing.T) {
	p, rec := newTestPool(t)
	p1, _ := p.Register(ProxySpec{Address: "p1:1", Capacity: 1})
	p2, _ := p.Register(ProxySpec{Address: "p2:1", Capacity: 1})

	_, err := p.Assign("a1", p1)
	require.NoError(t, err)

	to, err := p.Reassign("a1")
	require.NoError(t, err)
	assert.Equal(t, p2, to)
	assert.Equal(t, p2, p.BoundProxy("a1"))

	from, _ := p.Get(p1)
	assert.Empty(t, from.Assigned)

	var moves []events.Event
	for _, e := range rec.events {
		if e.Kind == events.AccountProxyChanged {
			moves = append(moves, e)
		}
	}
	require.Len(t, moves, 3)
	assert.Equal(t, "", moves[1].ProxyID)
	assert.Equal(t, p1, moves[1].Proxy.ID)
	assert.Equal(t, p2, moves[2].ProxyID)

	// Nowhere left to go once p1 fills up: binding stays put.
	_, err = p.Assign("a2", "")
	require.NoError(t, err)
	_, err = p.Reassign("a1")
	assert.ErrorIs(t, err, model.ErrNoEligibleProxy)
	assert.Equal(t, p2, p.BoundProxy("a1"))
}

func TestRetireRequiresNoBoundAccounts(t *testing.T) {
	p, _ := newTestPool(t)
	id, _ := p.Register(ProxySpec{Address: "p:1", Capacity: 1})
	_, err := p.Assign("a1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, p.Retire(id), model.ErrProxyInUse)

	p.Release("a1")
	require.NoError(t, p.Retire(id))
	_, err = p.Get(id)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Address is free again.
	_, err = p.Register(ProxySpec{Address: "p:1", Capacity: 1})
	assert.NoError(t, err)
}

func TestRetireNotifiesHandler(t *testing.T) {
	p, _ := newTestPool(t)
	var retired []string
	p.OnRetired(func(proxyID string) { retired = append(retired, proxyID) })

	id, _ := p.Register(ProxySpec{Address: "p:1", Capacity: 1})
	_, err := p.Assign("a1", "")
	require.NoError(t, err)
	require.Error(t, p.Retire(id))
	assert.Empty(t, retired, "rejected retire does not notify")

	p.Release("a1")
	require.NoError(t, p.Retire(id))
	assert.Equal(t, []string{id}, retired)
}

func TestStrandedAccountsOfferedWhenCapacityAppears(t *testing.T) {
	p, _ := newTestPool(t)
	var offers []string
	p.OnFailed(func(accountID, from string) {
		offers = append(offers, accountID+"@"+from)
		_, _ = p.Reassign(accountID)
	})

	spare, _ := p.Register(ProxySpec{Address: "spare:1", Capacity: 1})
	failN(t, p, spare, 5)
	bad, _ := p.Register(ProxySpec{Address: "bad:1", Capacity: 2})
	_, err := p.Assign("a1", bad)
	require.NoError(t, err)
	_, err = p.Assign("a2", bad)
	require.NoError(t, err)

	failN(t, p, bad, 5)
	assert.Equal(t, []string{"a1@" + bad, "a2@" + bad}, offers)
	assert.Equal(t, bad, p.BoundProxy("a1"), "nothing eligible yet")

	// The spare proxy recovers with room for one account.
	offers = nil
	succeedN(t, p, spare, 3, time.Millisecond)
	assert.Equal(t, []string{"a1@" + bad, "a2@" + bad}, offers)
	assert.Equal(t, spare, p.BoundProxy("a1"))
	assert.Equal(t, bad, p.BoundProxy("a2"))

	// A new registration picks up the rest.
	offers = nil
	fresh, _ := p.Register(ProxySpec{Address: "fresh:1", Capacity: 1})
	assert.Equal(t, []string{"a2@" + bad}, offers)
	assert.Equal(t, fresh, p.BoundProxy("a2"))

	snap, _ := p.Get(bad)
	assert.Empty(t, snap.Assigned)
}

func TestSnapshotsDoNotLeakCredentials(t *testing.T) {
	p, _ := newTestPool(t)
	id, _ := p.Register(ProxySpec{Address: "p:1", Capacity: 1, Credentials: model.Credentials("secret")})

	snap, _ := p.Get(id)
	assert.Equal(t, "***", snap.Credentials.String())

	// Snapshot copies are independent of pool state.
	snap.Assigned = append(snap.Assigned, "intruder")
	again, _ := p.Get(id)
	assert.Empty(t, again.Assigned)
}
