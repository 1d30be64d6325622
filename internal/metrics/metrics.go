package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PushesInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_stk_push_total",
		Help: "STK push initiations by result",
	}, []string{"result"})

	PollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_poll_outcomes_total",
		Help: "Terminal outcomes of the confirmation poller",
	}, []string{"state", "source"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mpesa_poll_duration_seconds",
		Help:    "Time from first tick to terminal outcome",
		Buckets: []float64{2, 5, 10, 20, 30, 45, 60, 90},
	})

	LocalChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_local_checks_total",
		Help: "Callback store lookups performed by the poller",
	}, []string{"result"})

	RemoteQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_remote_queries_total",
		Help: "STK status queries performed by the poller",
	}, []string{"status"})

	RateLimitBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_rate_limit_backoffs_total",
		Help: "Times remote status queries were suspended after a rate limit signal",
	})

	CallbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_received_total",
		Help: "Callbacks accepted from Daraja",
	}, []string{"type", "status"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_reconciliations_total",
		Help: "Reconciliation attempts by result",
	}, []string{"result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mpesa_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)
