// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and structured logging for the llm-mux workflow engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector holds all Prometheus metrics for the engine.
type MetricsCollector struct {
	// Run metrics
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunsInFlight prometheus.Gauge

	// Step metrics
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepsInFlight *prometheus.GaugeVec

	// Backend metrics
	BackendCallsTotal    *prometheus.CounterVec
	BackendCallDuration  *prometheus.HistogramVec
	BackendRetriesTotal  *prometheus.CounterVec
	BackendErrorsTotal   *prometheus.CounterVec

	// Apply/verify metrics
	ApplyEditsTotal    *prometheus.CounterVec
	VerifyRunsTotal    *prometheus.CounterVec
	VerifyRetriesTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitRemaining *prometheus.GaugeVec
	RateLimitWaits     *prometheus.CounterVec

	// System metrics
	SystemStartTime prometheus.Gauge
	SystemHealth    *prometheus.GaugeVec
}

// NewMetricsCollector creates and registers all Prometheus metrics.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates metrics with a specific registry (for testing).
func NewMetricsCollectorWithRegistry(namespace string, reg prometheus.Registerer) *MetricsCollector {
	if namespace == "" {
		namespace = "llm_mux"
	}

	autoCounterVec := func(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
		return promauto.With(reg).NewCounterVec(opts, labelNames)
	}

	autoHistogramVec := func(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
		return promauto.With(reg).NewHistogramVec(opts, labelNames)
	}

	autoGaugeVec := func(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
		return promauto.With(reg).NewGaugeVec(opts, labelNames)
	}

	autoGauge := func(opts prometheus.GaugeOpts) prometheus.Gauge {
		return promauto.With(reg).NewGauge(opts)
	}

	return &MetricsCollector{
		RunsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of workflow runs by workflow name and terminal status",
			},
			[]string{"workflow", "status"},
		),
		RunDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"workflow"},
		),
		RunsInFlight: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Number of workflow runs currently executing",
			},
		),

		StepsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps by type and terminal status",
			},
			[]string{"type", "status"},
		),
		StepDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		StepsInFlight: autoGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "steps_in_flight",
				Help:      "Number of steps currently dispatched",
			},
			[]string{"type"},
		),

		BackendCallsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend invocations by backend name and outcome",
			},
			[]string{"backend", "outcome"},
		),
		BackendCallDuration: autoHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Backend invocation duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		BackendRetriesTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Total number of backend-layer retries by backend and error kind",
			},
			[]string{"backend", "kind"},
		),
		BackendErrorsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend errors by backend and error kind",
			},
			[]string{"backend", "kind"},
		),

		ApplyEditsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_edits_total",
				Help:      "Total number of edits applied or failed by outcome",
			},
			[]string{"outcome"},
		),
		VerifyRunsTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_runs_total",
				Help:      "Total number of verify command runs by pass/fail",
			},
			[]string{"result"},
		),
		VerifyRetriesTotal: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_retries_total",
				Help:      "Total number of verify-triggered apply retries",
			},
			[]string{"step"},
		),

		RateLimitRemaining: autoGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_remaining",
				Help:      "Last observed remaining request budget per backend",
			},
			[]string{"backend"},
		),
		RateLimitWaits: autoCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_waits_total",
				Help:      "Total number of times a backend call waited out a rate limit window",
			},
			[]string{"backend"},
		),

		SystemStartTime: autoGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_start_time_seconds",
				Help:      "Unix timestamp when the process started",
			},
		),
		SystemHealth: autoGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_health_status",
				Help:      "Component health status (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),
	}
}

// RecordRun records a terminal run outcome and its duration.
func (m *MetricsCollector) RecordRun(workflow, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(workflow, status).Inc()
	m.RunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// TrackRunInFlight tracks in-flight workflow runs.
func (m *MetricsCollector) TrackRunInFlight(delta float64) {
	m.RunsInFlight.Add(delta)
}

// RecordStep records a terminal step outcome and its duration.
func (m *MetricsCollector) RecordStep(stepType, status string, duration time.Duration) {
	m.StepsTotal.WithLabelValues(stepType, status).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// TrackStepInFlight tracks in-flight steps of a given type.
func (m *MetricsCollector) TrackStepInFlight(stepType string, delta float64) {
	m.StepsInFlight.WithLabelValues(stepType).Add(delta)
}

// RecordBackendCall records one backend invocation attempt.
func (m *MetricsCollector) RecordBackendCall(backendName, outcome string, duration time.Duration) {
	m.BackendCallsTotal.WithLabelValues(backendName, outcome).Inc()
	m.BackendCallDuration.WithLabelValues(backendName).Observe(duration.Seconds())
}

// RecordBackendRetry records a backend-layer retry.
func (m *MetricsCollector) RecordBackendRetry(backendName, kind string) {
	m.BackendRetriesTotal.WithLabelValues(backendName, kind).Inc()
}

// RecordBackendError records a classified backend error.
func (m *MetricsCollector) RecordBackendError(backendName, kind string) {
	m.BackendErrorsTotal.WithLabelValues(backendName, kind).Inc()
}

// RecordApplyEdit records one edit's apply outcome.
func (m *MetricsCollector) RecordApplyEdit(outcome string) {
	m.ApplyEditsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerifyRun records a verify command's pass/fail result.
func (m *MetricsCollector) RecordVerifyRun(result string) {
	m.VerifyRunsTotal.WithLabelValues(result).Inc()
}

// RecordVerifyRetry records an apply step retrying after a failed verify.
func (m *MetricsCollector) RecordVerifyRetry(step string) {
	m.VerifyRetriesTotal.WithLabelValues(step).Inc()
}

// UpdateRateLimitRemaining updates the remaining-budget gauge for a backend.
func (m *MetricsCollector) UpdateRateLimitRemaining(backendName string, remaining int64) {
	m.RateLimitRemaining.WithLabelValues(backendName).Set(float64(remaining))
}

// RecordRateLimitWait records a backend call that waited out a rate limit.
func (m *MetricsCollector) RecordRateLimitWait(backendName string) {
	m.RateLimitWaits.WithLabelValues(backendName).Inc()
}

// SetSystemStartTime sets the process start time.
func (m *MetricsCollector) SetSystemStartTime(startTime time.Time) {
	m.SystemStartTime.Set(float64(startTime.Unix()))
}

// SetComponentHealth sets the health status of a component.
func (m *MetricsCollector) SetComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.SystemHealth.WithLabelValues(component).Set(value)
}
