// Package executor supplies scheduler.Executor implementations. The
// platform protocol itself lives behind a worker service; Webhook forwards
// each dispatched action to it through the account's proxy.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/model"
	"github.com/itskum47/accountforge/control_plane/scheduler"
)

// Request is the body posted to the worker service.
type Request struct {
	ActionID  string           `json:"action_id"`
	AccountID string           `json:"account_id"`
	Handle    string           `json:"handle"`
	Kind      model.ActionKind `json:"kind"`
	Attempt   int              `json:"attempt"`
	ProxyID   string           `json:"proxy_id"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// response is the optional verdict a worker may return. Without it the
// status code decides.
type response struct {
	Outcome scheduler.Outcome `json:"outcome"`
	Reason  string            `json:"reason"`
}

// Webhook posts each action to URL, egressing through the dispatch's proxy.
type Webhook struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewWebhook creates a webhook executor.
func NewWebhook(endpoint string, timeout time.Duration, logger *slog.Logger) (*Webhook, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: webhook url %q", model.ErrInvalidArgument, endpoint)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        endpoint,
		timeout:    timeout,
		logger:     logger,
		transports: make(map[string]*http.Transport),
	}, nil
}

// Execute implements scheduler.Executor.
func (w *Webhook) Execute(ctx context.Context, d scheduler.Dispatch) scheduler.Result {
	body, err := json.Marshal(Request{
		ActionID:  d.Action.ID,
		AccountID: d.Account.ID,
		Handle:    d.Account.Handle,
		Kind:      d.Action.Kind,
		Attempt:   d.Action.Attempts,
		ProxyID:   d.Proxy.ID,
		Payload:   payloadJSON(d.Action.Payload),
	})
	if err != nil {
		return scheduler.Permanent("encode request: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return scheduler.Permanent("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", fmt.Sprintf("%s-%d", d.Action.ID, d.Action.Attempts))

	transport, err := w.transportFor(d.Proxy)
	if err != nil {
		return scheduler.Permanent(err.Error())
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	result := classifyStatus(resp.StatusCode, data)
	if result.Outcome != scheduler.OutcomeSuccess {
		w.logger.Warn("webhook attempt failed",
			"action_id", d.Action.ID,
			"account_id", d.Account.ID,
			"proxy_id", d.Proxy.ID,
			"status", resp.StatusCode,
			"outcome", result.Outcome,
		)
	}
	return result
}

// transportFor returns a transport routed through p, one per proxy.
func (w *Webhook) transportFor(p *model.Proxy) (*http.Transport, error) {
	key := p.ID + "|" + p.Address
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.transports[key]; ok {
		return t, nil
	}
	proxyURL, err := ProxyURL(p)
	if err != nil {
		return nil, err
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = http.ProxyURL(proxyURL)
	w.transports[key] = t
	return t, nil
}

// CloseIdle drops pooled connections of every proxy transport.
func (w *Webhook) CloseIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.transports {
		t.CloseIdleConnections()
	}
}

// ProxyURL builds the egress URL for p. Addresses without a scheme are
// HTTP proxies; credentials are "user:password".
func ProxyURL(p *model.Proxy) (*url.URL, error) {
	raw := p.Address
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("proxy %s: bad address", p.ID)
	}
	if len(p.Credentials) > 0 {
		user, pass, ok := strings.Cut(string(p.Credentials), ":")
		if ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u, nil
}

func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func classifyError(err error) scheduler.Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return scheduler.Transient("timeout")
	case errors.Is(err, context.Canceled):
		return scheduler.Transient("cancelled")
	default:
		return scheduler.Transient("transport: " + err.Error())
	}
}

// classifyStatus maps the worker's answer to an outcome: 2xx succeeds,
// 408, 429 and 5xx are retried, other 4xx are final. A JSON verdict in the
// body takes precedence.
func classifyStatus(code int, body []byte) scheduler.Result {
	var v response
	if json.Unmarshal(body, &v) == nil {
		switch v.Outcome {
		case scheduler.OutcomeSuccess, scheduler.OutcomeTransient, scheduler.OutcomePermanent:
			return scheduler.Result{Outcome: v.Outcome, Reason: v.Reason}
		}
	}

	reason := fmt.Sprintf("http %d", code)
	switch {
	case code >= 200 && code < 300:
		return scheduler.Success()
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return scheduler.Transient(reason)
	default:
		return scheduler.Permanent(reason)
	}
}
