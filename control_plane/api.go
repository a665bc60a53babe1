package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/itskum47/accountforge/control_plane/config"
	"github.com/itskum47/accountforge/control_plane/idempotency"
	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/observability"
	"github.com/itskum47/accountforge/control_plane/prober"
	"github.com/itskum47/accountforge/control_plane/proxypool"
	"github.com/itskum47/accountforge/control_plane/registry"
	"github.com/itskum47/accountforge/control_plane/resilience"
	"github.com/itskum47/accountforge/control_plane/scheduler"
	"github.com/itskum47/accountforge/control_plane/status"
	"github.com/itskum47/accountforge/control_plane/store"
)

const maxRequestBody = 1 << 20

type API struct {
	registry  *registry.Registry
	pool      *proxypool.Pool
	scheduler *scheduler.Scheduler
	status    *status.Aggregator
	prober    *prober.Prober
	store     store.Store
	idem      idempotency.Store
	health    *resilience.DegradedMode

	cfg      config.ServerConfig
	logger   *slog.Logger
	hub      *StreamHub
	upgrader websocket.Upgrader

	// Storm protection for every mutating call.
	mutationLimiter *rate.Limiter
}

func NewAPI(svc *Services, cfg config.ServerConfig, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	api := &API{
		registry:        svc.Registry,
		pool:            svc.Pool,
		scheduler:       svc.Scheduler,
		status:          svc.Status,
		prober:          svc.Prober,
		store:           svc.Store,
		idem:            svc.Idempotency,
		health:          svc.Health,
		cfg:             cfg,
		logger:          logger,
		hub:             NewStreamHub(cfg.MaxStreamClients, logger),
		mutationLimiter: rate.NewLimiter(rate.Limit(cfg.MutationsPerSecond), cfg.MutationBurst),
	}
	api.upgrader = websocket.Upgrader{CheckOrigin: api.originAllowed}
	return api
}

// Routes builds the operator API.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", idempotency.Header},
		ExposedHeaders: []string{idempotency.ReplayedHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	idem := idempotency.Middleware(a.idem, a.logger)
	r.Route("/api", func(r chi.Router) {
		// Hijacked connections bypass compression.
		r.Get("/status/stream", a.handleStatusStream)

		r.Group(func(r chi.Router) {
			r.Use(compress)
			r.Get("/status", a.handleStatus)
			r.Get("/scheduler/stats", a.handleSchedulerStats)

			r.Get("/proxies", a.handleListProxies)
			r.Get("/proxies/{id}", a.handleGetProxy)
			r.Get("/accounts", a.handleListAccounts)
			r.Get("/accounts/{id}", a.handleGetAccount)
			r.Get("/accounts/{id}/actions", a.handleListAccountActions)
			r.Get("/actions/{id}", a.handleGetAction)

			r.Get("/export/accounts", a.handleExportAccounts)
			r.Get("/export/proxies", a.handleExportProxies)
			r.Get("/export/actions", a.handleExportActions)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.throttle)
			r.Post("/proxies", a.handleRegisterProxy)
			r.Delete("/proxies/{id}", a.handleRetireProxy)
			r.Post("/proxies/{id}/probe", a.handleProbeProxy)

			r.Post("/accounts", a.handleRegisterAccount)
			r.Delete("/accounts/{id}", a.handleRemoveAccount)
			r.Post("/accounts/{id}/proxy", a.handleAssignProxy)
			r.Delete("/accounts/{id}/proxy", a.handleReleaseProxy)
			r.Post("/accounts/{id}/transition", a.handleTransition)
			r.Post("/accounts/{id}/clear-error", a.handleClearError)

			r.With(idem).Post("/accounts/{id}/warmup", a.handleWarmup)
			r.With(idem).Post("/accounts/{id}/actions", a.handleSubmitAction)
			r.With(idem).Post("/accounts/{id}/actions/batch", a.handleSubmitBatch)
			r.Post("/actions/{id}/cancel", a.handleCancelAction)
			r.With(idem).Post("/actions/{id}/resubmit", a.handleResubmitAction)
		})
	})
	return r
}

func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.mutationLimiter.Allow() {
			a.writeRateLimitError(w, endpointLabel(r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", strconv.Itoa((retryAfter+999)/1000))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error: "too many requests (storm protection active)",
		Code:  "rate_limited",
	})
}

// endpointLabel keeps the metric label set small: /api/accounts/x/y -> accounts.
func endpointLabel(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "unknown"
	}
	return parts[0]
}

func (a *API) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range a.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// -- responses --

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps sentinel errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "invalid_argument"
	case errors.Is(err, model.ErrWarmupIncomplete):
		return http.StatusConflict, "warmup_incomplete"
	case errors.Is(err, model.ErrNoProxyAvailable):
		return http.StatusServiceUnavailable, "no_proxy_available"
	case errors.Is(err, model.ErrNoEligibleProxy):
		return http.StatusServiceUnavailable, "no_eligible_proxy"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrProxyStillBound):
		return http.StatusConflict, "proxy_still_bound"
	case errors.Is(err, model.ErrProxyInUse):
		return http.StatusConflict, "proxy_in_use"
	case errors.Is(err, model.ErrDuplicateProxy):
		return http.StatusConflict, "duplicate_proxy"
	case errors.Is(err, model.ErrAccountNotExecutable):
		return http.StatusConflict, "account_not_executable"
	case errors.Is(err, model.ErrActionNotCancellable):
		return http.StatusConflict, "action_not_cancellable"
	case errors.Is(err, model.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := errorStatus(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, code, errorBody{Error: "internal server error", Code: name})
		return
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Code: name})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
	return false
}

type healthResponse struct {
	Status       string                                               `json:"status"` // ok, degraded
	Dependencies map[resilience.Dependency]resilience.DependencyStatus `json:"dependencies,omitempty"`
}

// handleHealth stays 200 while degraded: the orchestrator keeps serving
// on local fallbacks.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Dependencies: a.health.Status()}
	if a.health.IsDegraded() {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// -- status --

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status.Snapshot())
}

func (a *API) handleSchedulerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Stats())
}

// -- proxies --

type registerProxyRequest struct {
	Address string `json:"address"`
	// Credentials is "user:password". It is never echoed back.
	Credentials string `json:"credentials"`
	Capacity    int    `json:"capacity"`
}

func (a *API) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var req registerProxyRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := a.pool.Register(proxypool.ProxySpec{
		Address:     req.Address,
		Credentials: model.Credentials(req.Credentials),
		Capacity:    req.Capacity,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.pool.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleListProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.pool.List())
}

func (a *API) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	p, err := a.pool.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleRetireProxy(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.Retire(chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type probeResponse struct {
	Success bool         `json:"success"`
	Latency int64        `json:"latency_ns"`
	Proxy   *model.Proxy `json:"proxy"`
}

func (a *API) handleProbeProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := a.prober.ProbeOne(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.pool.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Success: res.Success, Latency: int64(res.Latency), Proxy: p})
}

// -- accounts --

type registerAccountRequest struct {
	Handle      string `json:"handle"`
	RateProfile string `json:"rate_profile"`
}

func (a *API) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := a.registry.Register(req.Handle, req.RateProfile)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAccount(w, r, http.StatusCreated, id)
}

func (a *API) writeAccount(w http.ResponseWriter, r *http.Request, code int, id string) {
	acct, err := a.registry.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, code, acct)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list := a.registry.List()
	if s := model.AccountState(r.URL.Query().Get("state")); s != "" {
		filtered := list[:0]
		for _, acct := range list {
			if acct.State == s {
				filtered = append(filtered, acct)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a.writeAccount(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (a *API) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Remove(chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignProxyRequest struct {
	ProxyID string `json:"proxy_id"`
}

func (a *API) handleAssignProxy(w http.ResponseWriter, r *http.Request) {
	var req assignProxyRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.registry.AssignProxy(id, req.ProxyID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAccount(w, r, http.StatusOK, id)
}

func (a *API) handleReleaseProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.registry.ReleaseProxy(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAccount(w, r, http.StatusOK, id)
}

type transitionRequest struct {
	State model.AccountState `json:"state"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.State.Valid() {
		a.writeError(w, r, fmt.Errorf("%w: unknown state %q", model.ErrInvalidArgument, req.State))
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.registry.Transition(id, req.State); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAccount(w, r, http.StatusOK, id)
}

func (a *API) handleClearError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.registry.ClearError(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAccount(w, r, http.StatusOK, id)
}

type warmupRequest struct {
	Steps    int             `json:"steps"`
	Interval string          `json:"interval"`
	StartAt  time.Time       `json:"start_at"`
	Payload  json.RawMessage `json:"payload"`
}

type submittedResponse struct {
	Account   *model.Account `json:"account,omitempty"`
	ActionIDs []string       `json:"action_ids"`
}

// handleWarmup moves the account to warming if needed and schedules a
// series of warmup steps.
func (a *API) handleWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if !decode(w, r, &req) {
		return
	}
	interval, err := parseInterval(req.Interval)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Steps <= 0 {
		a.writeError(w, r, fmt.Errorf("%w: steps must be positive", model.ErrInvalidArgument))
		return
	}

	id := chi.URLParam(r, "id")
	state, err := a.registry.State(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if state != model.AccountWarming {
		if err := a.registry.Transition(id, model.AccountWarming); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	ids, err := a.scheduler.SubmitSeries(scheduler.Submission{
		AccountID: id,
		Kind:      model.ActionWarmupStep,
		Payload:   req.Payload,
		NotBefore: req.StartAt,
	}, req.Steps, interval)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	acct, err := a.registry.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submittedResponse{Account: acct, ActionIDs: ids})
}

type submitRequest struct {
	Kind      model.ActionKind `json:"kind"`
	Payload   json.RawMessage  `json:"payload"`
	NotBefore time.Time        `json:"not_before"`
	Priority  int              `json:"priority"`
}

func (req submitRequest) submission(accountID string) scheduler.Submission {
	return scheduler.Submission{
		AccountID: accountID,
		Kind:      req.Kind,
		Payload:   req.Payload,
		NotBefore: req.NotBefore,
		Priority:  req.Priority,
	}
}

func (a *API) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	actionID, err := a.scheduler.Submit(req.submission(chi.URLParam(r, "id")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAction(w, r, http.StatusAccepted, actionID)
}

type batchRequest struct {
	submitRequest
	Count    int    `json:"count"`
	Interval string `json:"interval"`
}

// handleSubmitBatch schedules count copies of one action, spaced interval
// apart. Either all are queued or none.
func (a *API) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	interval, err := parseInterval(req.Interval)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ids, err := a.scheduler.SubmitSeries(req.submission(chi.URLParam(r, "id")), req.Count, interval)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submittedResponse{ActionIDs: ids})
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: interval %q", model.ErrInvalidArgument, s)
	}
	return d, nil
}

func (a *API) handleListAccountActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.registry.Get(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	list := a.scheduler.ListByAccount(id)
	if list == nil {
		list = []*model.Action{}
	}
	writeJSON(w, http.StatusOK, list)
}

// -- actions --

func (a *API) writeAction(w http.ResponseWriter, r *http.Request, code int, id string) {
	act, err := a.scheduler.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, code, act)
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a.writeAction(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (a *API) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.scheduler.Cancel(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAction(w, r, http.StatusOK, id)
}

func (a *API) handleResubmitAction(w http.ResponseWriter, r *http.Request) {
	newID, err := a.scheduler.Resubmit(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeAction(w, r, http.StatusAccepted, newID)
}

// -- export --
// Exports serve the mirrored records, so they trail live state by the
// recorder's buffer.

func (a *API) handleExportAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListAccounts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (a *API) handleExportProxies(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListProxies(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (a *API) handleExportActions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, r, fmt.Errorf("%w: limit %q", model.ErrInvalidArgument, v))
			return
		}
		limit = n
	}
	list, err := a.store.ListActions(r.Context(), r.URL.Query().Get("account_id"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
