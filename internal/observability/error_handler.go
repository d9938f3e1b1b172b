// Package observability provides enhanced error handling and context propagation for llm-mux.
package observability

import (
	"context"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorContext represents the context for error handling and reporting.
type ErrorContext struct {
	RunID    string `json:"run_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	SpanID   string `json:"span_id,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Step     string `json:"step,omitempty"`
	Backend  string `json:"backend,omitempty"`

	Duration  time.Duration `json:"duration_ms,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`

	Tags  map[string]string      `json:"tags,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ErrorHandler provides enhanced error handling with Sentry integration and context propagation.
type ErrorHandler struct {
	logger        *Logger
	metrics       *MetricsCollector
	sentryEnabled bool
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *Logger, metrics *MetricsCollector, sentryEnabled bool) *ErrorHandler {
	return &ErrorHandler{
		logger:        logger,
		metrics:       metrics,
		sentryEnabled: sentryEnabled,
	}
}

// HandleError processes a step/backend error with full context and reporting.
func (eh *ErrorHandler) HandleError(ctx context.Context, err error, errorCtx ErrorContext) {
	if err == nil {
		eh.logger.InfoContext(ctx, "operation completed successfully",
			"error_kind", errorCtx.ErrorKind,
			"workflow", errorCtx.Workflow,
			"step", errorCtx.Step,
			"backend", errorCtx.Backend,
			"duration_ms", errorCtx.Duration.Milliseconds(),
		)
		return
	}

	eh.logger.ErrorContext(ctx, "error occurred",
		"error", err.Error(),
		"error_kind", errorCtx.ErrorKind,
		"retryable", errorCtx.Retryable,
		"workflow", errorCtx.Workflow,
		"step", errorCtx.Step,
		"backend", errorCtx.Backend,
		"duration_ms", errorCtx.Duration.Milliseconds(),
	)

	if eh.metrics != nil {
		if errorCtx.Backend != "" {
			eh.metrics.RecordBackendError(errorCtx.Backend, errorCtx.ErrorKind)
		}
	}

	if eh.sentryEnabled {
		eh.reportToSentry(ctx, err, errorCtx)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String("error.kind", errorCtx.ErrorKind),
			attribute.Bool("error.retryable", errorCtx.Retryable),
		)
	}
}

// reportToSentry reports the error to Sentry with full context.
func (eh *ErrorHandler) reportToSentry(ctx context.Context, err error, errorCtx ErrorContext) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("error_kind", errorCtx.ErrorKind)
		scope.SetTag("service", "llm-mux")

		if errorCtx.Workflow != "" {
			scope.SetTag("workflow", errorCtx.Workflow)
		}
		if errorCtx.Step != "" {
			scope.SetTag("step", errorCtx.Step)
		}
		if errorCtx.Backend != "" {
			scope.SetTag("backend", errorCtx.Backend)
		}
		if errorCtx.RunID != "" {
			scope.SetTag("run_id", errorCtx.RunID)
		}
		if errorCtx.TraceID != "" {
			scope.SetTag("trace_id", errorCtx.TraceID)
		}
		if errorCtx.SpanID != "" {
			scope.SetTag("span_id", errorCtx.SpanID)
		}

		for key, value := range errorCtx.Tags {
			scope.SetTag(key, value)
		}

		if errorCtx.Duration > 0 {
			scope.SetContext("performance", map[string]interface{}{
				"duration_ms": errorCtx.Duration.Milliseconds(),
			})
		}

		pc := make([]uintptr, 10)
		n := runtime.Callers(2, pc)
		if n > 0 {
			frames := runtime.CallersFrames(pc[:n])
			stackTrace := make([]map[string]interface{}, 0, n)
			for {
				frame, more := frames.Next()
				stackTrace = append(stackTrace, map[string]interface{}{
					"function": frame.Function,
					"file":     frame.File,
					"line":     frame.Line,
				})
				if !more {
					break
				}
			}
			scope.SetContext("stack_trace", map[string]interface{}{
				"frames": stackTrace,
			})
		}

		if len(errorCtx.Extra) > 0 {
			scope.SetContext("extra", errorCtx.Extra)
		}

		sentry.CaptureException(err)
	})
}

// CreateErrorResponse creates a machine-readable error response for a failed run.
func (eh *ErrorHandler) CreateErrorResponse(err error, errorCtx ErrorContext) map[string]interface{} {
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"kind":      errorCtx.ErrorKind,
			"message":   eh.sanitizeErrorMessage(err.Error()),
			"retryable": errorCtx.Retryable,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"context": map[string]interface{}{
			"run_id":   errorCtx.RunID,
			"workflow": errorCtx.Workflow,
			"step":     errorCtx.Step,
		},
	}

	response["debug"] = map[string]interface{}{
		"trace_id":    errorCtx.TraceID,
		"span_id":     errorCtx.SpanID,
		"duration_ms": errorCtx.Duration.Milliseconds(),
	}
	response["suggestions"] = eh.getErrorSuggestions(errorCtx.ErrorKind)

	if errorCtx.Backend != "" {
		response["context"].(map[string]interface{})["backend"] = errorCtx.Backend
	}

	return response
}

// sanitizeErrorMessage caps error message length before it reaches external sinks.
func (eh *ErrorHandler) sanitizeErrorMessage(message string) string {
	const maxLen = 500
	if len(message) > maxLen {
		return message[:maxLen] + "..."
	}
	return message
}

// getErrorSuggestions maps a workflow.ErrorKind to operator-facing remediation hints.
func (eh *ErrorHandler) getErrorSuggestions(errorKind string) []string {
	suggestions := map[string][]string{
		"RateLimit": {
			"Wait for the backend's rate limit window to reset",
			"Lower the role's concurrency or add a fallback backend",
		},
		"Timeout": {
			"Increase the backend's timeout",
			"Check whether the backend process or endpoint is overloaded",
		},
		"NetworkError": {
			"Verify the backend URL or subprocess command is reachable",
			"Check DNS resolution and outbound connectivity",
		},
		"BackendUnavailable": {
			"Confirm the backend's HTTP endpoint or binary is up",
			"Add a fallback backend to the role",
		},
		"OutputParseFailed": {
			"Inspect the raw backend output for unexpected formatting",
			"Adjust the step's prompt template to request a stricter format",
		},
		"VerificationFailed": {
			"Review the verify command's output for the actual failure",
			"Increase verify_retries on the apply step if the fix is close",
		},
		"ConfigError": {
			"Re-run validate against the workflow and config files",
			"Check backend and role references for typos",
		},
		"FileNotFound": {
			"Confirm the edit's target path exists relative to the run's working directory",
		},
		"TemplateError": {
			"Check the template for unresolved variables or bad filter syntax",
		},
		"InvalidWorkflow": {
			"Re-run validate to see the specific structural error",
		},
		"AuthError": {
			"Check the backend's api_key and auth_mode configuration",
		},
		"EditNotApplied": {
			"Inspect the diff for conflicting hunks against the current file contents",
		},
		"NoBackendsAvailable": {
			"Enable at least one backend for the role or check backend health",
		},
		"DependencyFailed": {
			"Inspect the upstream step that failed; this step never ran",
		},
	}

	if s, exists := suggestions[errorKind]; exists {
		return s
	}

	return []string{
		"Re-run with a higher log level for more detail",
		"Check the workflow and config files with validate",
	}
}

// ExtractErrorContext extracts error context from the current context and span.
func ExtractErrorContext(ctx context.Context, workflow string) ErrorContext {
	errorCtx := ErrorContext{
		Workflow: workflow,
		Tags:     make(map[string]string),
		Extra:    make(map[string]interface{}),
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		spanCtx := span.SpanContext()
		if spanCtx.HasTraceID() {
			errorCtx.TraceID = spanCtx.TraceID().String()
		}
		if spanCtx.HasSpanID() {
			errorCtx.SpanID = spanCtx.SpanID().String()
		}
	}

	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		errorCtx.RunID = runID
	}
	if stepName, ok := ctx.Value(StepNameKey).(string); ok {
		errorCtx.Step = stepName
	}
	if backendName, ok := ctx.Value(BackendNameKey).(string); ok {
		errorCtx.Backend = backendName
	}

	return errorCtx
}

// WithRunContext adds the run ID to the provided context.
func WithRunContext(ctx context.Context, runID string) context.Context {
	ctx = context.WithValue(ctx, RunIDKey, runID)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
	})

	return ctx
}

// WithWorkflowContext adds the workflow name to the provided context.
func WithWorkflowContext(ctx context.Context, workflow string) context.Context {
	ctx = context.WithValue(ctx, WorkflowNameKey, workflow)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("workflow", workflow)
	})

	return ctx
}

// WithStepContext adds the current step name to the provided context.
func WithStepContext(ctx context.Context, step string) context.Context {
	ctx = context.WithValue(ctx, StepNameKey, step)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("step", step)
	})

	return ctx
}

// WithBackendContext adds the current backend name to the provided context.
func WithBackendContext(ctx context.Context, backendName string) context.Context {
	ctx = context.WithValue(ctx, BackendNameKey, backendName)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("backend", backendName)
	})

	return ctx
}

// GracefulDegradation handles monitoring failures gracefully.
func (eh *ErrorHandler) GracefulDegradation(ctx context.Context, operation string, err error) {
	eh.logger.WarnContext(ctx, "monitoring operation failed, continuing without monitoring",
		"operation", operation,
		"error", err.Error(),
	)
}

// HealthCheck represents the health status of various components.
type HealthCheck struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Components map[string]interface{} `json:"components"`
}

// CreateHealthCheck creates a comprehensive health check response.
func (eh *ErrorHandler) CreateHealthCheck(ctx context.Context, version string) HealthCheck {
	health := HealthCheck{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Version:    version,
		Components: make(map[string]interface{}),
	}

	if eh.sentryEnabled {
		health.Components["sentry"] = map[string]interface{}{"status": "enabled", "configured": true}
	} else {
		health.Components["sentry"] = map[string]interface{}{"status": "disabled", "configured": false}
	}

	if eh.metrics != nil {
		health.Components["metrics"] = map[string]interface{}{"status": "enabled", "configured": true}
	} else {
		health.Components["metrics"] = map[string]interface{}{"status": "disabled", "configured": false}
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		health.Components["tracing"] = map[string]interface{}{"status": "enabled", "configured": true}
	} else {
		health.Components["tracing"] = map[string]interface{}{"status": "disabled", "configured": false}
	}

	allHealthy := true
	for _, component := range health.Components {
		if comp, ok := component.(map[string]interface{}); ok {
			if status, ok := comp["status"].(string); ok && status != "enabled" {
				allHealthy = false
				break
			}
		}
	}

	if !allHealthy {
		health.Status = "degraded"
	}

	return health
}
