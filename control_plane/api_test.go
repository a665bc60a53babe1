package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/config"
	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/idempotency"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/resilience"
)

type testEnv struct {
	t       *testing.T
	api     *API
	svc     *Services
	handler http.Handler
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.MutationsPerSecond = 1000
	cfg.Server.MutationBurst = 1000
	for _, fn := range tweak {
		fn(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := newServices(context.Background(), cfg, nil, clock.Real(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Store.Close() })

	api := NewAPI(svc, cfg.Server, logger)
	return &testEnv{t: t, api: api, svc: svc, handler: api.Routes()}
}

// runLoops starts the aggregator, recorder and stream hub until the test ends.
func (e *testEnv) runLoops() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)
	go func() { _ = e.svc.Status.Run(ctx); done <- struct{}{} }()
	go func() { _ = e.svc.Recorder.Run(ctx); done <- struct{}{} }()
	go func() { e.api.hub.Run(ctx); done <- struct{}{} }()
	e.t.Cleanup(func() {
		cancel()
		for i := 0; i < 3; i++ {
			<-done
		}
	})
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decodeBody[errorBody](t, rec).Code
}

func (e *testEnv) registerProxy(addr string, capacity int) *model.Proxy {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/proxies", registerProxyRequest{Address: addr, Credentials: "bob:s3cret", Capacity: capacity})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*model.Proxy](e.t, rec)
}

func (e *testEnv) registerAccount(handle string) *model.Account {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/accounts", registerAccountRequest{Handle: handle})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*model.Account](e.t, rec)
}

// warmingAccount registers a proxy and an account and moves it to warming.
func (e *testEnv) warmingAccount(handle string) *model.Account {
	e.t.Helper()
	e.registerProxy("10.1.0.1:3128", 10)
	acct := e.registerAccount(handle)
	rec := e.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountWarming})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[*model.Account](e.t, rec)
}

func later() time.Time { return time.Now().Add(time.Hour) }

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Dependencies[resilience.DependencyStore].Available)

	env.svc.Health.MarkUnavailable(resilience.DependencyStore, io.ErrClosedPipe)
	rec = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "degraded still serves")
	assert.Equal(t, "degraded", decodeBody[healthResponse](t, rec).Status)
}

func TestRegisterProxyRedactsCredentials(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/proxies", registerProxyRequest{Address: "10.0.0.1:3128", Credentials: "bob:s3cret", Capacity: 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")

	p := decodeBody[*model.Proxy](t, rec)
	assert.Equal(t, model.ProxyActive, p.Health)

	rec = env.do(http.MethodPost, "/api/proxies", registerProxyRequest{Address: "10.0.0.1:3128", Capacity: 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_proxy", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/proxies", registerProxyRequest{Address: "10.0.0.2:3128"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodGet, "/api/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*model.Proxy](t, rec), 1)
	assert.NotContains(t, rec.Body.String(), "s3cret")
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	proxy := env.registerProxy("10.0.0.1:3128", 2)
	acct := env.registerAccount("@alice")
	assert.Equal(t, model.AccountPending, acct.State)
	assert.Empty(t, acct.ProxyID)

	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountWarming})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	warming := decodeBody[*model.Account](t, rec)
	assert.Equal(t, model.AccountWarming, warming.State)
	assert.Equal(t, proxy.ID, warming.ProxyID, "entering warming binds a proxy")

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountActive})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "warmup_incomplete", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: "bogus"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountPending})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = env.do(http.MethodDelete, "/api/accounts/"+acct.ID+"/proxy", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "executable accounts keep their proxy")

	rec = env.do(http.MethodDelete, "/api/proxies/"+proxy.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountPaused})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodDelete, "/api/accounts/"+acct.ID+"/proxy", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeBody[*model.Account](t, rec).ProxyID)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountDisabled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodDelete, "/api/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = env.do(http.MethodDelete, "/api/proxies/"+proxy.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWarmingWithoutProxies(t *testing.T) {
	env := newTestEnv(t)
	acct := env.registerAccount("@bob")
	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountWarming})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_proxy_available", errorCode(t, rec))
}

func TestListAccountsByState(t *testing.T) {
	env := newTestEnv(t)
	env.warmingAccount("@a")
	env.registerAccount("@b")

	rec := env.do(http.MethodGet, "/api/accounts?state=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]*model.Account](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "@b", list[0].Handle)

	rec = env.do(http.MethodGet, "/api/accounts", nil)
	assert.Len(t, decodeBody[[]*model.Account](t, rec), 2)
}

func TestSubmitCancelResubmit(t *testing.T) {
	env := newTestEnv(t)
	acct := env.warmingAccount("@alice")

	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions", submitRequest{
		Kind:      model.ActionScheduledPost,
		Payload:   json.RawMessage(`{"caption":"hi"}`),
		NotBefore: later(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	action := decodeBody[*model.Action](t, rec)
	assert.Equal(t, model.ActionQueued, action.Status)

	rec = env.do(http.MethodGet, "/api/accounts/"+acct.ID+"/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*model.Action](t, rec), 1)

	rec = env.do(http.MethodPost, "/api/actions/"+action.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ActionCancelled, decodeBody[*model.Action](t, rec).Status)

	rec = env.do(http.MethodPost, "/api/actions/"+action.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "action_not_cancellable", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/actions/"+action.ID+"/resubmit", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	again := decodeBody[*model.Action](t, rec)
	assert.NotEqual(t, action.ID, again.ID)
	assert.Equal(t, action.ID, again.ResubmittedFrom)
	assert.Equal(t, model.ActionQueued, again.Status)

	rec = env.do(http.MethodGet, "/api/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRejections(t *testing.T) {
	env := newTestEnv(t)
	pending := env.registerAccount("@pending")

	rec := env.do(http.MethodPost, "/api/accounts/"+pending.ID+"/actions", submitRequest{Kind: model.ActionScheduledPost})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "account_not_executable", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/accounts/missing/actions", submitRequest{Kind: model.ActionScheduledPost})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	warm := env.warmingAccount("@warm")
	rec = env.do(http.MethodPost, "/api/accounts/"+warm.ID+"/actions", submitRequest{Kind: "like"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/"+warm.ID+"/actions", strings.NewReader("{"))
	out := httptest.NewRecorder()
	env.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestSubmitBatch(t *testing.T) {
	env := newTestEnv(t)
	acct := env.warmingAccount("@alice")

	req := batchRequest{Count: 3, Interval: "10m"}
	req.Kind = model.ActionScheduledPost
	req.NotBefore = later()
	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions/batch", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ids := decodeBody[submittedResponse](t, rec).ActionIDs
	require.Len(t, ids, 3)

	first, err := env.svc.Scheduler.Get(ids[0])
	require.NoError(t, err)
	last, err := env.svc.Scheduler.Get(ids[2])
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, last.NotBefore.Sub(first.NotBefore))

	req.Interval = "soon"
	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions/batch", req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIdempotentSubmission(t *testing.T) {
	env := newTestEnv(t)
	acct := env.warmingAccount("@alice")
	body := submitRequest{Kind: model.ActionScheduledPost, NotBefore: later().Truncate(time.Second)}

	first := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions", body, idempotency.Header, "post-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	second := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions", body, idempotency.Header, "post-1")
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, "true", second.Header().Get(idempotency.ReplayedHeader))
	assert.Equal(t, decodeBody[*model.Action](t, first).ID, decodeBody[*model.Action](t, second).ID)
	assert.Len(t, env.svc.Scheduler.ListByAccount(acct.ID), 1)

	body.Priority = 5
	reused := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions", body, idempotency.Header, "post-1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}

func TestWarmupCommand(t *testing.T) {
	env := newTestEnv(t)
	env.registerProxy("10.0.0.1:3128", 2)
	acct := env.registerAccount("@alice")

	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/warmup", warmupRequest{Steps: 4, Interval: "1h", StartAt: later()})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[submittedResponse](t, rec)
	assert.Len(t, resp.ActionIDs, 4)
	require.NotNil(t, resp.Account)
	assert.Equal(t, model.AccountWarming, resp.Account.State)
	assert.NotEmpty(t, resp.Account.ProxyID)

	for _, a := range env.svc.Scheduler.ListByAccount(acct.ID) {
		assert.Equal(t, model.ActionWarmupStep, a.Kind)
	}

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/warmup", warmupRequest{Steps: 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestErrorStateRequiresClear(t *testing.T) {
	env := newTestEnv(t)
	acct := env.warmingAccount("@alice")

	rec := env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountError})
	require.Equal(t, http.StatusOK, rec.Code)
	flagged := decodeBody[*model.Account](t, rec)
	require.NotNil(t, flagged.LastError)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountWarming})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/clear-error", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[*model.Account](t, rec).LastError)

	rec = env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/transition", transitionRequest{State: model.AccountWarming})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutationStormProtection(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.MutationsPerSecond = 0.001
		c.Server.MutationBurst = 1
	})
	env.registerAccount("@first")

	rec := env.do(http.MethodPost, "/api/accounts", registerAccountRequest{Handle: "@second"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, rec))

	// Reads are not throttled.
	rec = env.do(http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.warmingAccount("@alice")
	env.svc.Status.Flush()

	rec := env.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Accounts        []*model.Account           `json:"accounts"`
		AccountsByState map[model.AccountState]int `json:"accounts_by_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Accounts, 1)
	assert.Equal(t, 1, snap.AccountsByState[model.AccountWarming])
	assert.NotContains(t, rec.Body.String(), "s3cret")

	rec = env.do(http.MethodGet, "/api/scheduler/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workers"`)
}

func TestResponsesAreCompressed(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 50; i++ {
		env.registerAccount("@account-with-a-long-handle")
	}
	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestExportServesMirror(t *testing.T) {
	env := newTestEnv(t)
	env.runLoops()
	acct := env.warmingAccount("@alice")

	require.Eventually(t, func() bool {
		rec := env.do(http.MethodGet, "/api/export/accounts", nil)
		list := decodeBody[[]*model.Account](t, rec)
		return len(list) == 1 && list[0].State == model.AccountWarming && list[0].ProxyID != ""
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.do(http.MethodGet, "/api/export/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")

	env.do(http.MethodPost, "/api/accounts/"+acct.ID+"/actions", submitRequest{Kind: model.ActionScheduledPost, NotBefore: later()})
	require.Eventually(t, func() bool {
		rec := env.do(http.MethodGet, "/api/export/actions?account_id="+acct.ID+"&limit=5", nil)
		return len(decodeBody[[]*model.Action](t, rec)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(http.MethodGet, "/api/export/actions?limit=-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStatusStream(t *testing.T) {
	env := newTestEnv(t)
	env.runLoops()
	env.registerAccount("@existing")
	env.svc.Status.Flush()

	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	conn := dialStream(t, srv)

	var first streamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Len(t, first.Snapshot.Accounts, 1)

	env.registerAccount("@fresh")

	var next streamMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "event", next.Type)
	require.NotNil(t, next.Event)
	assert.Equal(t, events.AccountRegistered, next.Event.Kind)
	assert.Equal(t, "@fresh", next.Event.Account.Handle)
	assert.Greater(t, next.Event.Seq, first.Snapshot.Seq)
}

func TestStatusStreamConnectionCap(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxStreamClients = 1 })
	env.runLoops()
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	first := dialStream(t, srv)
	var msg streamMessage
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, first.ReadJSON(&msg))
	require.Eventually(t, func() bool { return env.api.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	second := dialStream(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrInvalidArgument, http.StatusUnprocessableEntity},
		{model.ErrInvalidTransition, http.StatusConflict},
		{model.ErrWarmupIncomplete, http.StatusConflict},
		{model.ErrProxyStillBound, http.StatusConflict},
		{model.ErrProxyInUse, http.StatusConflict},
		{model.ErrDuplicateProxy, http.StatusConflict},
		{model.ErrAccountNotExecutable, http.StatusConflict},
		{model.ErrActionNotCancellable, http.StatusConflict},
		{model.ErrNoProxyAvailable, http.StatusServiceUnavailable},
		{model.ErrNoEligibleProxy, http.StatusServiceUnavailable},
		{model.ErrQueueFull, http.StatusTooManyRequests},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, _ := errorStatus(tt.err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "accounts", endpointLabel("/api/accounts/abc/actions"))
	assert.Equal(t, "proxies", endpointLabel("/api/proxies"))
	assert.Equal(t, "unknown", endpointLabel("/api/"))
}
