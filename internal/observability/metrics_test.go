package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetricsCollector creates a MetricsCollector bound to a private
// registry so tests don't collide with prometheus.DefaultRegisterer.
func newTestMetricsCollector(t *testing.T) (*MetricsCollector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewMetricsCollectorWithRegistry("test", registry), registry
}

func TestRecordRun(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	tests := []struct {
		name     string
		workflow string
		status   string
		duration time.Duration
	}{
		{name: "completed run", workflow: "review", status: "completed", duration: 200 * time.Millisecond},
		{name: "failed run", workflow: "review", status: "failed", duration: 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector.RecordRun(tt.workflow, tt.status, tt.duration)
			count := testutil.ToFloat64(collector.RunsTotal.WithLabelValues(tt.workflow, tt.status))
			assert.Equal(t, float64(1), count)
		})
	}
}

func TestTrackRunInFlight(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.TrackRunInFlight(1.0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.RunsInFlight))

	collector.TrackRunInFlight(-1.0)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.RunsInFlight))
}

func TestRecordStep(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordStep("query", "completed", 10*time.Millisecond)
	count := testutil.ToFloat64(collector.StepsTotal.WithLabelValues("query", "completed"))
	assert.Equal(t, float64(1), count)
}

func TestTrackStepInFlight(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.TrackStepInFlight("apply", 1.0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.StepsInFlight.WithLabelValues("apply")))

	collector.TrackStepInFlight("apply", -1.0)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.StepsInFlight.WithLabelValues("apply")))
}

func TestRecordBackendCall(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	tests := []struct {
		name    string
		backend string
		outcome string
	}{
		{name: "ok call", backend: "gpt", outcome: "success"},
		{name: "errored call", backend: "claude", outcome: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector.RecordBackendCall(tt.backend, tt.outcome, 30*time.Millisecond)
			count := testutil.ToFloat64(collector.BackendCallsTotal.WithLabelValues(tt.backend, tt.outcome))
			assert.Equal(t, float64(1), count)
		})
	}
}

func TestRecordBackendRetry(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordBackendRetry("gpt", "timeout")
	count := testutil.ToFloat64(collector.BackendRetriesTotal.WithLabelValues("gpt", "timeout"))
	assert.Equal(t, float64(1), count)
}

func TestRecordBackendError(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordBackendError("gpt", "rate_limit")
	count := testutil.ToFloat64(collector.BackendErrorsTotal.WithLabelValues("gpt", "rate_limit"))
	assert.Equal(t, float64(1), count)
}

func TestRecordApplyEdit(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordApplyEdit("applied")
	count := testutil.ToFloat64(collector.ApplyEditsTotal.WithLabelValues("applied"))
	assert.Equal(t, float64(1), count)

	collector.RecordApplyEdit("conflict")
	count = testutil.ToFloat64(collector.ApplyEditsTotal.WithLabelValues("conflict"))
	assert.Equal(t, float64(1), count)
}

func TestRecordVerifyRun(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordVerifyRun("pass")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.VerifyRunsTotal.WithLabelValues("pass")))

	collector.RecordVerifyRun("fail")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.VerifyRunsTotal.WithLabelValues("fail")))
}

func TestRecordVerifyRetry(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordVerifyRetry("patch")
	collector.RecordVerifyRetry("patch")
	count := testutil.ToFloat64(collector.VerifyRetriesTotal.WithLabelValues("patch"))
	assert.Equal(t, float64(2), count)
}

func TestUpdateRateLimitRemaining(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.UpdateRateLimitRemaining("gpt", 42)
	value := testutil.ToFloat64(collector.RateLimitRemaining.WithLabelValues("gpt"))
	assert.Equal(t, float64(42), value)
}

func TestRecordRateLimitWait(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	collector.RecordRateLimitWait("gpt")
	count := testutil.ToFloat64(collector.RateLimitWaits.WithLabelValues("gpt"))
	assert.Equal(t, float64(1), count)
}

func TestSetSystemStartTime(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	startTime := time.Now()
	collector.SetSystemStartTime(startTime)

	value := testutil.ToFloat64(collector.SystemStartTime)
	assert.Equal(t, float64(startTime.Unix()), value)
}

func TestSetComponentHealth(t *testing.T) {
	collector, _ := newTestMetricsCollector(t)

	tests := []struct {
		name      string
		component string
		healthy   bool
		wantValue float64
	}{
		{name: "healthy component", component: "scheduler", healthy: true, wantValue: 1.0},
		{name: "unhealthy component", component: "backend", healthy: false, wantValue: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector.SetComponentHealth(tt.component, tt.healthy)
			value := testutil.ToFloat64(collector.SystemHealth.WithLabelValues(tt.component))
			assert.Equal(t, tt.wantValue, value)
		})
	}
}
