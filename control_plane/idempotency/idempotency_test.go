package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/accountforge/control_plane/clock"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestStoresTwoPhase(t *testing.T) {
	client, _ := setupTestRedis(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(clock.NewFake(epoch)),
		"redis":  NewRedisStore(client),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, reserved, err := s.Reserve(ctx, "k1", "fp")
			require.NoError(t, err)
			assert.True(t, reserved)

			existing, reserved, err := s.Reserve(ctx, "k1", "fp")
			require.NoError(t, err)
			assert.False(t, reserved)
			assert.Equal(t, StateLocked, existing.State)

			require.NoError(t, s.Complete(ctx, "k1", &Record{Fingerprint: "fp", StatusCode: 201, Body: []byte("ok")}))
			existing, reserved, err = s.Reserve(ctx, "k1", "fp")
			require.NoError(t, err)
			assert.False(t, reserved)
			assert.Equal(t, StateResult, existing.State)
			assert.Equal(t, 201, existing.StatusCode)
			assert.Equal(t, []byte("ok"), existing.Body)

			// Release frees a lock so the request can be retried.
			_, reserved, err = s.Reserve(ctx, "k2", "fp")
			require.NoError(t, err)
			require.True(t, reserved)
			require.NoError(t, s.Release(ctx, "k2"))
			_, reserved, err = s.Reserve(ctx, "k2", "fp")
			require.NoError(t, err)
			assert.True(t, reserved)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	s := NewMemoryStore(clk)

	_, reserved, _ := s.Reserve(ctx, "k", "fp")
	require.True(t, reserved)
	clk.Advance(LockTTL)
	_, reserved, _ = s.Reserve(ctx, "k", "fp")
	assert.True(t, reserved, "abandoned lock expires")

	require.NoError(t, s.Complete(ctx, "k", &Record{Fingerprint: "fp", StatusCode: 200}))
	clk.Advance(ResultTTL)
	_, reserved, _ = s.Reserve(ctx, "k", "fp")
	assert.True(t, reserved, "stored result expires")
}

func TestRedisStoreLockExpires(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	s := NewRedisStore(client)

	_, reserved, err := s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	require.True(t, reserved)

	mr.FastForward(LockTTL + time.Second)
	_, reserved, err = s.Reserve(ctx, "k", "fp")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestFingerprintSeparatesFields(t *testing.T) {
	a := Fingerprint("POST", "/api/x", []byte("body"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("POST", "/api/x", []byte("body")))
	assert.NotEqual(t, a, Fingerprint("POST", "/api/xbody", nil))
	assert.NotEqual(t, a, Fingerprint("PUT", "/api/x", []byte("body")))
}

func newCountingHandler(status int) (http.Handler, *int32) {
	var calls int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d}`, n)
	}), &calls
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/a1/actions", strings.NewReader(body))
	if key != "" {
		req.Header.Set(Header, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareReplaysCompletedRequest(t *testing.T) {
	next, calls := newCountingHandler(http.StatusCreated)
	h := Middleware(NewMemoryStore(nil), nil)(next)

	first := post(h, "key-1", `{"kind":"scheduled_post"}`)
	second := post(h, "key-1", `{"kind":"scheduled_post"}`)

	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	next, calls := newCountingHandler(http.StatusCreated)
	h := Middleware(NewMemoryStore(nil), nil)(next)

	post(h, "key-1", `{"kind":"scheduled_post"}`)
	rec := post(h, "key-1", `{"kind":"warmup_step"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "idempotency_key_reused")
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	next, calls := newCountingHandler(http.StatusServiceUnavailable)
	h := Middleware(NewMemoryStore(nil), nil)(next)

	post(h, "key-1", `{}`)
	post(h, "key-1", `{}`)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	next, calls := newCountingHandler(http.StatusOK)
	h := Middleware(NewMemoryStore(nil), nil)(next)

	post(h, "", `{}`)
	post(h, "", `{}`)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestMiddlewareInProgress(t *testing.T) {
	s := NewMemoryStore(nil)
	_, reserved, err := s.Reserve(context.Background(), "key-1", Fingerprint(http.MethodPost, "/api/accounts/a1/actions", []byte(`{}`)))
	require.NoError(t, err)
	require.True(t, reserved)

	next, calls := newCountingHandler(http.StatusOK)
	rec := post(Middleware(s, nil)(next), "key-1", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, atomic.LoadInt32(calls))
}
