package backend

import (
	"context"
	"errors"
	"net/http"
	"os/exec"

	"github.com/llm-mux/llm-mux/internal/workflow"
)

// classifyHTTPStatus maps an HTTP response status code to the
// ErrorKind taxonomy. 2xx never reaches this function.
func classifyHTTPStatus(status int) workflow.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return workflow.ErrRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return workflow.ErrAuthError
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return workflow.ErrTimeout
	case status >= 500:
		return workflow.ErrBackendUnavailable
	default:
		return workflow.ErrConfigError
	}
}

// classifyTransportErr maps a network-level error (connection refused,
// DNS failure, context deadline) to an ErrorKind.
func classifyTransportErr(err error) workflow.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return workflow.ErrTimeout
	}
	return workflow.ErrNetworkError
}

// classifySubprocessErr maps a subprocess failure to an ErrorKind.
// Context deadline exceeded means the step's timeout fired; a nonzero
// exit with no context error is treated as a backend-unavailable
// condition rather than permanent, since most CLI backends exit
// nonzero on transient provider-side failures too.
func classifySubprocessErr(ctx context.Context, err error) workflow.ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		return workflow.ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return workflow.ErrBackendUnavailable
	}
	return workflow.ErrNetworkError
}
