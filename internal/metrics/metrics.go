// Package metrics holds PayGate's Prometheus metric registry: gate
// admission decisions, response-cache hit rate, circuit breaker state,
// and webhook delivery outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for PayGate.
type Metrics struct {
	GateDecisionsTotal  *prometheus.CounterVec
	GateDecisionLatency *prometheus.HistogramVec
	CreditsChargedTotal *prometheus.CounterVec

	CacheLookupsTotal *prometheus.CounterVec

	BreakerStateChangesTotal *prometheus.CounterVec
	BreakerOpenGauge         *prometheus.GaugeVec

	WebhookDeliveredTotal  *prometheus.CounterVec
	WebhookRetriesTotal    *prometheus.CounterVec
	WebhookDeadLetterTotal *prometheus.CounterVec
	WebhookDeliveryLatency *prometheus.HistogramVec

	ProxyCallDuration *prometheus.HistogramVec
	ProxyErrorsTotal  *prometheus.CounterVec

	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers every PayGate metric against registry. A nil
// registry falls back to the global default, matching the teacher's own
// convention.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		GateDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_gate_decisions_total",
				Help: "Total number of Gate.evaluate decisions",
			},
			[]string{"tool", "allowed", "reason"},
		),
		GateDecisionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_gate_decision_duration_seconds",
				Help:    "Time taken to run the Gate's evaluate pipeline",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"tool"},
		),
		CreditsChargedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_credits_charged_total",
				Help: "Total credits charged across settled calls",
			},
			[]string{"tool", "namespace"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_cache_lookups_total",
				Help: "Total response cache lookups by outcome",
			},
			[]string{"tool", "outcome"}, // outcome: hit, miss
		),

		BreakerStateChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_breaker_state_changes_total",
				Help: "Total circuit breaker state transitions",
			},
			[]string{"tool", "to_state"},
		),
		BreakerOpenGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_breaker_open",
				Help: "1 if the per-tool circuit breaker is currently open, else 0",
			},
			[]string{"tool"},
		),

		WebhookDeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_delivered_total",
				Help: "Total webhook deliveries by outcome",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_retries_total",
				Help: "Total webhook delivery retry attempts",
			},
			[]string{"event_type"},
		),
		WebhookDeadLetterTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_dead_letter_total",
				Help: "Total webhook deliveries moved to the dead-letter partition",
			},
			[]string{"event_type"},
		),
		WebhookDeliveryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_webhook_delivery_duration_seconds",
				Help:    "Time taken to deliver a webhook",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),

		ProxyCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_proxy_call_duration_seconds",
				Help:    "Time taken forwarding a tool call to the backend",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ProxyErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_proxy_errors_total",
				Help: "Total backend forwarding failures",
			},
			[]string{"tool"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_rate_limit_hits_total",
				Help: "Total requests denied by the per-key rate limiter",
			},
			[]string{"key_prefix"},
		),
	}
}

// ObserveDecision records one Gate.evaluate outcome.
func (m *Metrics) ObserveDecision(tool string, allowed bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GateDecisionsTotal.WithLabelValues(tool, boolLabel(allowed), reason).Inc()
	m.GateDecisionLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveCharge records settled credits for a successful call.
func (m *Metrics) ObserveCharge(tool, namespace string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.CreditsChargedTotal.WithLabelValues(tool, namespace).Add(float64(credits))
}

// ObserveCacheLookup records a response cache hit or miss.
func (m *Metrics) ObserveCacheLookup(tool string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveBreakerStateChange records a circuit breaker transition.
func (m *Metrics) ObserveBreakerStateChange(tool, toState string, open bool) {
	if m == nil {
		return
	}
	m.BreakerStateChangesTotal.WithLabelValues(tool, toState).Inc()
	v := 0.0
	if open {
		v = 1.0
	}
	m.BreakerOpenGauge.WithLabelValues(tool).Set(v)
}

// ObserveWebhookDelivery records one webhook delivery attempt's outcome.
func (m *Metrics) ObserveWebhookDelivery(eventType, status string, attempt int, deadLettered bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveredTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDeliveryLatency.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType).Inc()
	}
	if deadLettered {
		m.WebhookDeadLetterTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveProxyCall records one backend forwarding attempt.
func (m *Metrics) ObserveProxyCall(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProxyCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		m.ProxyErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// ObserveRateLimitHit records a per-key rate limit rejection.
func (m *Metrics) ObserveRateLimitHit(keyPrefix string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(keyPrefix).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
