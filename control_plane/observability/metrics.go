package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Scheduler ===

	// SchedulerDecisions tracks the number of decisions made by type.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	// ActionQueueDepth tracks queued and retrying actions across all accounts.
	ActionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountforge_action_queue_depth",
		Help: "Current number of actions waiting for dispatch",
	})

	// ActionsInFlight tracks dispatched actions awaiting an executor result.
	ActionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountforge_actions_in_flight",
		Help: "Current number of dispatched actions",
	})

	// SchedulerWorkerSaturation tracks worker utilization (circuit breaker signal).
	SchedulerWorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountforge_scheduler_worker_saturation",
		Help: "Ratio of busy executor workers to pool size (0.0-1.0)",
	})

	// SchedulerLoopDuration tracks the duration of one dispatch round.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountforge_scheduler_loop_duration_seconds",
		Help:    "Duration of a dispatch round",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerCircuitState tracks circuit breaker state.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accountforge_scheduler_circuit_state",
		Help: "Admission circuit breaker state (1 = current)",
	}, []string{"state"})

	// SchedulerRejections tracks submissions rejected by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_scheduler_rejections_total",
		Help: "Actions rejected at submission",
	}, []string{"reason"}) // not_executable, circuit_open, draining

	// === Actions ===

	// ActionOutcomes counts executor results by action kind.
	ActionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_action_outcomes_total",
		Help: "Executor results by action kind and outcome",
	}, []string{"kind", "outcome"})

	// ActionRetries tracks the total number of requeues after transient failures.
	ActionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountforge_action_retries_total",
		Help: "Total number of action retry requeues",
	})

	// ActionExecutionSeconds tracks executor call duration.
	ActionExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountforge_action_execution_seconds",
		Help:    "Executor call duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// ActionWaitSeconds tracks time from eligibility (not_before) to dispatch.
	ActionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountforge_action_wait_seconds",
		Help:    "Time actions wait after becoming eligible before dispatch",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// RateLimitDenials counts limiter denials by scope.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_rate_limit_denials_total",
		Help: "Dispatch attempts denied by the rate limiter",
	}, []string{"scope"})

	// === Accounts and proxies ===

	// AccountsByState is refreshed by the status aggregator.
	AccountsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accountforge_accounts",
		Help: "Accounts by lifecycle state",
	}, []string{"state"})

	// AccountTransitions counts registry state transitions.
	AccountTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_account_transitions_total",
		Help: "Account lifecycle transitions",
	}, []string{"from", "to"})

	// ProxiesByHealth is refreshed by the status aggregator.
	ProxiesByHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accountforge_proxies",
		Help: "Proxies by health",
	}, []string{"health"})

	// ProxyHealthTransitions counts health changes.
	ProxyHealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_proxy_health_transitions_total",
		Help: "Proxy health transitions",
	}, []string{"from", "to"})

	// ProxyProbeLatency tracks successful probe latency.
	ProxyProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountforge_proxy_probe_latency_seconds",
		Help:    "Latency of successful proxy probes",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// === Streaming and persistence ===

	// StreamSubscribers tracks live status subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountforge_stream_subscribers",
		Help: "Current number of status stream subscribers",
	})

	// StreamSubscriberDrops counts subscribers closed for falling behind.
	StreamSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountforge_stream_subscriber_drops_total",
		Help: "Status stream subscribers dropped because their buffer filled",
	})

	// EventPersistFailures tracks failed snapshot mirror writes (non-blocking, best-effort).
	EventPersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_event_persist_failures_total",
		Help: "Failed snapshot mirror writes",
	}, []string{"event_type", "reason"})

	// WebSocketClients tracks connected dashboard clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountforge_websocket_clients",
		Help: "Current number of connected websocket clients",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})
)

var (
	// DependencyAvailable is 1 while a dependency answers and 0 while the
	// orchestrator runs degraded without it.
	DependencyAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accountforge_dependency_available",
		Help: "Whether an external dependency is currently available",
	}, []string{"dependency"})

	// DegradedFallbacks counts operations served by a local fallback.
	DegradedFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountforge_degraded_fallbacks_total",
		Help: "Operations served by a local fallback while a dependency was unavailable",
	}, []string{"dependency"})
)
