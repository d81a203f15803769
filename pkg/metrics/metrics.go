// Package metrics exposes Prometheus collectors for the organism's
// vitals: steps, slices, plans, timed dispatches, deliveries, model
// calls, and the live depths of the bus and the durable queue. The
// gateway serves them on /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nerve"

// Metrics holds the registered instruments. A nil *Metrics is valid
// and records nothing, so wiring stays unconditional.
type Metrics struct {
	steps       *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec

	sliceRuns    *prometheus.CounterVec
	sliceLatency *prometheus.HistogramVec

	timedDispatches *prometheus.CounterVec
	planRuns        *prometheus.CounterVec

	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec
}

// MustNew registers the instrument set with reg, or the default
// registerer when reg is nil. Collectors already registered under the
// same names are adopted rather than duplicated, so repeated
// construction against one registry is safe. Any other registration
// failure panics, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		steps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fsm", Name: "steps_total",
			Help: "Signals consumed by the engine, by step result.",
		}, []string{"result"})),
		stepLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fsm", Name: "step_duration_seconds",
			Help:    "Time from claiming a signal to recording its step.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})),
		sliceRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "slice", Name: "runs_total",
			Help: "Work slices finished by the executor, by outcome.",
		}, []string{"outcome"})),
		sliceLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "slice", Name: "run_duration_seconds",
			Help:    "Wall clock spent inside one work slice.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
		}, []string{"outcome"})),
		timedDispatches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timed", Name: "dispatches_total",
			Help: "Timed signal dispatch attempts, by terminal status.",
		}, []string{"status"})),
		planRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plan", Name: "runs_total",
			Help: "Plan executions, by lifecycle status.",
		}, []string{"status"})),
		deliveries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "deliveries_total",
			Help: "Outbound delivery receipts, by channel and status.",
		}, []string{"channel", "status"})),
		deliveryLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "delivery_duration_seconds",
			Help:    "Time one channel adapter spent delivering a message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"})),
		llmRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "requests_total",
			Help: "Model completions requested, by provider and status.",
		}, []string{"provider", "status"})),
		llmLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_duration_seconds",
			Help:    "Model completion latency, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"})),
		llmTokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "Tokens reported by providers, by direction.",
		}, []string{"provider", "direction"})),
	}
}

// register adopts an already-registered collector of the same name
// instead of failing, so tests and restarts can rebuild Metrics
// against a shared registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// ObserveStep records one engine step.
func (m *Metrics) ObserveStep(result string, latency time.Duration) {
	if m == nil || m.steps == nil {
		return
	}
	m.steps.WithLabelValues(result).Inc()
	m.stepLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// ObserveSliceRun records one finished work slice.
func (m *Metrics) ObserveSliceRun(outcome string, latency time.Duration) {
	if m == nil || m.sliceRuns == nil {
		return
	}
	m.sliceRuns.WithLabelValues(outcome).Inc()
	m.sliceLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// IncTimedDispatch records a timed signal reaching a terminal dispatch
// status: fired, failed, or skipped.
func (m *Metrics) IncTimedDispatch(status string) {
	if m == nil || m.timedDispatches == nil {
		return
	}
	m.timedDispatches.WithLabelValues(status).Inc()
}

// IncPlanRun records a plan lifecycle transition.
func (m *Metrics) IncPlanRun(status string) {
	if m == nil || m.planRuns == nil {
		return
	}
	m.planRuns.WithLabelValues(status).Inc()
}

// ObserveDelivery records one delivery receipt from a channel adapter.
func (m *Metrics) ObserveDelivery(channel, status string, latency time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, status).Inc()
	m.deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// ObserveLLMRequest records one model completion with its token usage.
func (m *Metrics) ObserveLLMRequest(provider, status string, latency time.Duration, promptTokens, completionTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, status).Inc()
	m.llmLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if promptTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}
