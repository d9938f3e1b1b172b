package backend

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/llm-mux/llm-mux/internal/workflow"
)

// Backend invokes one configured LLM backend with a resolved prompt.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, prompt string) (string, *workflow.StepError)
}

// New constructs the Backend for cfg, selecting the subprocess or HTTP
// transport by cfg.Kind.
func New(cfg *Config) (Backend, error) {
	switch cfg.Kind {
	case KindSubprocess:
		return newSubprocessBackend(cfg), nil
	case KindHTTP:
		return newHTTPBackend(cfg)
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// withRetry runs invoke up to cfg.MaxRetries additional times when the
// returned StepError's kind is transient, independent of and prior to
// any step-level retry_on handling the scheduler performs on top.
func withRetry(ctx context.Context, cfg *Config, invoke func(ctx context.Context) (string, *workflow.StepError)) (string, *workflow.StepError) {
	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *workflow.StepError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, stepErr := invoke(ctx)
		if stepErr == nil {
			return out, nil
		}
		stepErr.Attempt = attempt
		stepErr.MaxAttempts = maxAttempts
		last = stepErr

		retryable := stepErr.Kind.Transient()
		if stepErr.Kind == workflow.ErrRateLimit && !cfg.RetryRateLimit {
			retryable = false
		}
		if stepErr.Kind == workflow.ErrTimeout && !cfg.RetryTimeout {
			retryable = false
		}
		if !retryable || attempt >= maxAttempts {
			stepErr.WillRetry = false
			return "", stepErr
		}
		stepErr.WillRetry = true

		delay := backoffDelay(cfg.RetryDelay(), attempt)
		select {
		case <-ctx.Done():
			return "", last
		case <-time.After(delay):
		}
	}
	return "", last
}

// backoffDelay computes retry_delay * 2^(attempt-1) plus up to 20%
// jitter, so that concurrent callers retrying the same backend don't
// all wake up on the same tick.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(exp)/5 + 1))
	return exp + jitter
}
