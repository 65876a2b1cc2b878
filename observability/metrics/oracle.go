package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// OracleMetrics exposes Prometheus collectors for the oracle ledger, its
// callback outbox and the daemon API. A nil receiver records nothing.
type OracleMetrics struct {
	transitions       *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	confirmations     prometheus.Counter
	resolveSeconds    prometheus.Histogram
	dispatchFailures  prometheus.Counter
	callbackDelivery  *prometheus.CounterVec
	outboxPending     prometheus.Gauge
	rateLimitedCalls  *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// Oracle returns the process-wide oracle metrics registry, registering the
// collectors on first use.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_request_transitions_total",
				Help: "Count of request lifecycle transitions by resulting status.",
			}, []string{"status"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_operation_rejections_total",
				Help: "Count of rejected ledger operations by operation and reason.",
			}, []string{"operation", "reason"}),
			confirmations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "oracle_confirmations_accepted_total",
				Help: "Number of accepted oracle confirmations.",
			}),
			resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "oracle_request_resolve_seconds",
				Help:    "Ledger time between request creation and resolution.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			}),
			dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "oracle_callback_dispatch_failures_total",
				Help: "Number of resolution callbacks the dispatcher failed to accept.",
			}),
			callbackDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_callback_delivery_total",
				Help: "Callback delivery attempts by outcome.",
			}, []string{"outcome"}),
			outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "oracle_callback_outbox_pending",
				Help: "Callback messages awaiting delivery.",
			}),
			rateLimitedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_api_rate_limited_total",
				Help: "API calls rejected by the per-client rate limiter.",
			}, []string{"route"}),
			streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "oracle_event_stream_subscribers",
				Help: "Connected event stream subscribers.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.transitions,
			oracleRegistry.rejections,
			oracleRegistry.confirmations,
			oracleRegistry.resolveSeconds,
			oracleRegistry.dispatchFailures,
			oracleRegistry.callbackDelivery,
			oracleRegistry.outboxPending,
			oracleRegistry.rateLimitedCalls,
			oracleRegistry.streamSubscribers,
		)
	})
	return oracleRegistry
}

func (m *OracleMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *OracleMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

func (m *OracleMetrics) ObserveConfirmation() {
	if m == nil {
		return
	}
	m.confirmations.Inc()
}

func (m *OracleMetrics) ObserveResolveLatency(seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.resolveSeconds.Observe(seconds)
}

func (m *OracleMetrics) ObserveDispatchFailure() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *OracleMetrics) ObserveCallbackDelivery(outcome string) {
	if m == nil {
		return
	}
	m.callbackDelivery.WithLabelValues(outcome).Inc()
}

func (m *OracleMetrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

func (m *OracleMetrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedCalls.WithLabelValues(route).Inc()
}

func (m *OracleMetrics) AddStreamSubscribers(delta int) {
	if m == nil {
		return
	}
	m.streamSubscribers.Add(float64(delta))
}
