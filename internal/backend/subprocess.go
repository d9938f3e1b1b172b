package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/llm-mux/llm-mux/internal/process"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

// subprocessBackend invokes a local command, delivering the prompt on
// stdin or as a trailing argument per configuration.
type subprocessBackend struct {
	cfg *Config
	mgr *process.Manager
}

func newSubprocessBackend(cfg *Config) *subprocessBackend {
	return &subprocessBackend{cfg: cfg, mgr: process.NewManager()}
}

func (b *subprocessBackend) Name() string { return b.cfg.Name }

func (b *subprocessBackend) Invoke(ctx context.Context, prompt string) (string, *workflow.StepError) {
	return withRetry(ctx, b.cfg, func(ctx context.Context) (string, *workflow.StepError) {
		return b.invokeOnce(ctx, prompt)
	})
}

func (b *subprocessBackend) invokeOnce(ctx context.Context, prompt string) (string, *workflow.StepError) {
	start := time.Now()
	invokeCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()

	res, err := b.mgr.Run(invokeCtx, uuid.NewString(), process.Spec{
		Command:        b.cfg.Command,
		Args:           b.cfg.Args,
		Prompt:         prompt,
		PromptViaStdin: b.cfg.PromptViaStdin,
	})
	if err != nil {
		exitCode := 0
		stdout, stderr := "", ""
		if res != nil {
			exitCode = res.ExitCode
			stdout, stderr = res.Stdout, res.Stderr
		}
		return "", &workflow.StepError{
			Kind:       classifySubprocessErr(invokeCtx, err),
			Message:    err.Error(),
			StartedAt:  start,
			FailedAt:   time.Now(),
			Command:    b.cfg.Command,
			Prompt:     prompt,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitCode:   exitCode,
			Backend:    b.cfg.Name,
		}
	}

	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return "", &workflow.StepError{
			Kind:      workflow.ErrBackendUnavailable,
			Message:   "command exited 0 but produced no stdout",
			StartedAt: start,
			FailedAt:  time.Now(),
			Command:   b.cfg.Command,
			Prompt:    prompt,
			ExitCode:  res.ExitCode,
			Backend:   b.cfg.Name,
		}
	}
	return out, nil
}
