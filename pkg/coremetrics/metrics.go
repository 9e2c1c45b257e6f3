// Package coremetrics defines the Prometheus instrumentation surfaced by
// every component of the resource-control core: the queue's backpressure
// and drain counters, the limiter's wait histogram, the breaker's state
// transitions, the executor's in-flight gauge, and the endpoint's call
// outcomes.
package coremetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge/histogram the core exposes. A nil
// *Metrics is valid everywhere it's accepted — every method is a no-op on
// a nil receiver, so components can be constructed without a registry in
// tests.
type Metrics struct {
	QueueEnqueued          *prometheus.CounterVec
	QueueProcessed         *prometheus.CounterVec
	QueueErrors            *prometheus.CounterVec
	QueueBackpressureEvents *prometheus.CounterVec
	QueueSize              *prometheus.GaugeVec

	LimiterWaitSeconds *prometheus.HistogramVec
	LimiterTokens      *prometheus.GaugeVec

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	ExecutorInFlight *prometheus.GaugeVec
	ExecutorPending  *prometheus.GaugeVec

	EndpointCallsTotal   *prometheus.CounterVec
	EndpointCallDuration *prometheus.HistogramVec
	RetryAttempts        *prometheus.CounterVec
}

// New builds and registers every metric against reg. Panics if a metric of
// the same name is already registered, matching prometheus.MustRegister's
// contract used throughout the pack.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_queue_enqueued_total",
			Help: "Total items successfully enqueued.",
		}, []string{"queue"}),
		QueueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_queue_processed_total",
			Help: "Total items acknowledged without error.",
		}, []string{"queue"}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_queue_errors_total",
			Help: "Total items acknowledged with an error.",
		}, []string{"queue"}),
		QueueBackpressureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_queue_backpressure_events_total",
			Help: "Total enqueue attempts that timed out under backpressure.",
		}, []string{"queue"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corectl_queue_size",
			Help: "Current buffered item count.",
		}, []string{"queue"}),
		LimiterWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corectl_limiter_wait_seconds",
			Help:    "Time spent waiting for tokens before admission.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		LimiterTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corectl_limiter_tokens",
			Help: "Current token count in the bucket.",
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corectl_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"endpoint"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_breaker_transitions_total",
			Help: "Total circuit breaker state transitions.",
		}, []string{"endpoint", "to"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_breaker_rejections_total",
			Help: "Total calls rejected while the breaker was open.",
		}, []string{"endpoint"}),
		ExecutorInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corectl_executor_in_flight",
			Help: "Currently running events under the concurrency ceiling.",
		}, []string{"executor"}),
		ExecutorPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corectl_executor_pending",
			Help: "Events appended but not yet forwarded to the queue.",
		}, []string{"executor"}),
		EndpointCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_endpoint_calls_total",
			Help: "Total endpoint calls by outcome kind.",
		}, []string{"endpoint", "kind"}),
		EndpointCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corectl_endpoint_call_duration_seconds",
			Help:    "Endpoint call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectl_retry_attempts_total",
			Help: "Total retry attempts issued by RetryPolicy.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.QueueEnqueued, m.QueueProcessed, m.QueueErrors, m.QueueBackpressureEvents, m.QueueSize,
		m.LimiterWaitSeconds, m.LimiterTokens,
		m.BreakerState, m.BreakerTransitions, m.BreakerRejections,
		m.ExecutorInFlight, m.ExecutorPending,
		m.EndpointCallsTotal, m.EndpointCallDuration, m.RetryAttempts,
	)
	return m
}

func (m *Metrics) IncEnqueued(queue string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncProcessed(queue string) {
	if m == nil {
		return
	}
	m.QueueProcessed.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncQueueError(queue string) {
	if m == nil {
		return
	}
	m.QueueErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncBackpressure(queue string) {
	if m == nil {
		return
	}
	m.QueueBackpressureEvents.WithLabelValues(queue).Inc()
}

func (m *Metrics) SetQueueSize(queue string, size int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(queue).Set(float64(size))
}

func (m *Metrics) ObserveLimiterWait(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.LimiterWaitSeconds.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) SetLimiterTokens(endpoint string, tokens float64) {
	if m == nil {
		return
	}
	m.LimiterTokens.WithLabelValues(endpoint).Set(tokens)
}

func (m *Metrics) SetBreakerState(endpoint string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(endpoint).Set(state)
}

func (m *Metrics) IncBreakerTransition(endpoint, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(endpoint, to).Inc()
}

func (m *Metrics) IncBreakerRejection(endpoint string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetExecutorInFlight(executor string, n int) {
	if m == nil {
		return
	}
	m.ExecutorInFlight.WithLabelValues(executor).Set(float64(n))
}

func (m *Metrics) SetExecutorPending(executor string, n int) {
	if m == nil {
		return
	}
	m.ExecutorPending.WithLabelValues(executor).Set(float64(n))
}

func (m *Metrics) IncEndpointCall(endpoint, kind string) {
	if m == nil {
		return
	}
	m.EndpointCallsTotal.WithLabelValues(endpoint, kind).Inc()
}

func (m *Metrics) ObserveEndpointDuration(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.EndpointCallDuration.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) IncRetryAttempt(endpoint string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(endpoint).Inc()
}
