package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// RunIDKey is the context key for a workflow run ID.
	RunIDKey ContextKey = "run_id"
	// StepNameKey is the context key for the current step name.
	StepNameKey ContextKey = "step_name"
	// BackendNameKey is the context key for the current backend name.
	BackendNameKey ContextKey = "backend_name"
	// WorkflowNameKey is the context key for the workflow's name.
	WorkflowNameKey ContextKey = "workflow_name"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	logger *slog.Logger
}

// LoggerConfig configures the structured logger.
type LoggerConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// Format is the log format (json, text)
	Format string
	// Output is the output destination (defaults to os.Stdout)
	Output io.Writer
	// AddSource adds source file/line to log entries
	AddSource bool
	// SentryEnabled enables Sentry integration for logs
	SentryEnabled bool
}

// DefaultLoggerConfig returns a default logger configuration.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:         "info",
		Format:        "json",
		Output:        os.Stdout,
		AddSource:     true,
		SentryEnabled: false,
	}
}

// sentryHandler is a slog.Handler that sends logs to Sentry.
type sentryHandler struct {
	next slog.Handler
}

func (h *sentryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	// Send to Sentry for error and warn levels
	if r.Level >= slog.LevelWarn {
		var attrs []slog.Attr
		r.Attrs(func(attr slog.Attr) bool {
			attrs = append(attrs, attr)
			return true
		})

		// Convert slog attributes to Sentry context
		sentryCtx := make(map[string]interface{})
		for _, attr := range attrs {
			sentryCtx[attr.Key] = attr.Value.Any()
		}

		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetContext("log", sentryCtx)
			scope.SetTag("logger", "slog")
			scope.SetTag("level", r.Level.String())

			// Capture as message with context for error and warn logs
			sentry.CaptureMessage(r.Message)
		})
	}

	return h.next.Handle(ctx, r)
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{next: h.next.WithAttrs(attrs)}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{next: h.next.WithGroup(name)}
}

// NewLogger creates a new structured logger.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, handlerOpts)
	}

	// Wrap with Sentry handler if enabled
	if cfg.SentryEnabled {
		handler = &sentryHandler{next: handler}
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// WithContext extracts run/step/backend identifiers from ctx and adds
// them to the logger.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		logger = logger.With("run_id", runID)
	}
	if workflowName, ok := ctx.Value(WorkflowNameKey).(string); ok && workflowName != "" {
		logger = logger.With("workflow", workflowName)
	}
	if stepName, ok := ctx.Value(StepNameKey).(string); ok && stepName != "" {
		logger = logger.With("step", stepName)
	}
	if backendName, ok := ctx.Value(BackendNameKey).(string); ok && backendName != "" {
		logger = logger.With("backend", backendName)
	}

	return logger
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// With returns a logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// WithGroup returns a logger with a named group.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		logger: l.logger.WithGroup(name),
	}
}

// LogRunStart logs the start of a workflow run.
func (l *Logger) LogRunStart(ctx context.Context, workflow string, stepCount int) {
	l.WithContext(ctx).Info("run_started",
		"workflow", workflow,
		"step_count", stepCount,
	)
}

// LogRunFinished logs the terminal status of a workflow run.
func (l *Logger) LogRunFinished(ctx context.Context, status string, duration time.Duration) {
	l.WithContext(ctx).Info("run_finished",
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogStepResult logs a step's terminal outcome.
func (l *Logger) LogStepResult(ctx context.Context, step string, status string, failed bool, duration time.Duration) {
	l.WithContext(ctx).Info("step_finished",
		"step", step,
		"status", status,
		"failed", failed,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogBackendCall logs a single backend invocation attempt.
func (l *Logger) LogBackendCall(ctx context.Context, backendName string, attempt int, success bool, duration time.Duration) {
	l.WithContext(ctx).Info("backend_call",
		"backend", backendName,
		"attempt", attempt,
		"success", success,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogApplyVerify logs the outcome of an apply step's verify command.
func (l *Logger) LogApplyVerify(ctx context.Context, step string, passed bool, attempt int) {
	l.WithContext(ctx).Info("apply_verify",
		"step", step,
		"passed", passed,
		"attempt", attempt,
	)
}

// Underlying returns the underlying slog.Logger.
func (l *Logger) Underlying() *slog.Logger {
	return l.logger
}
