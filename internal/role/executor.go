package role

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llm-mux/llm-mux/internal/backend"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

// Executor runs a resolved role's backends against a prompt per its
// strategy and produces a StepResult ready for installation into a
// RunContext.
type Executor struct {
	resolver *Resolver
}

// NewExecutor builds an Executor over resolver.
func NewExecutor(resolver *Resolver) *Executor {
	return &Executor{resolver: resolver}
}

// Execute resolves roleName and runs prompt against its backends.
func (e *Executor) Execute(ctx context.Context, roleName, prompt string) *workflow.StepResult {
	start := time.Now()
	resolved, err := e.resolver.Resolve(roleName)
	if err != nil {
		return &workflow.StepResult{
			Status: workflow.StatusFailed,
			Failed: true,
			Error: &workflow.StepError{
				Kind:      workflow.ErrNoBackendsAvailable,
				Message:   err.Error(),
				StartedAt: start,
				FailedAt:  time.Now(),
			},
		}
	}

	var res *workflow.StepResult
	switch resolved.Strategy {
	case StrategyParallel:
		res = e.executeParallel(ctx, resolved, prompt)
	case StrategyFallback:
		res = e.executeFallback(ctx, resolved, prompt)
	default:
		res = e.executeFirst(ctx, resolved, prompt)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// executeFirst tries each backend in declared order, returning the
// first success; it retries the next backend on any failure and only
// fails if every backend in the list fails.
func (e *Executor) executeFirst(ctx context.Context, r *Resolved, prompt string) *workflow.StepResult {
	var last *workflow.StepError
	for _, b := range r.Backends {
		out, stepErr := b.Invoke(ctx, prompt)
		if stepErr == nil {
			return &workflow.StepResult{Status: workflow.StatusCompleted, Output: out, Backend: b.Name()}
		}
		stepErr.Backend = b.Name()
		last = stepErr
	}
	return &workflow.StepResult{Status: workflow.StatusFailed, Failed: true, Error: last}
}

// executeFallback tries each backend in order like executeFirst, but
// short-circuits on a permanent error instead of advancing to the next
// backend; only a classified-retryable (transient) error continues the
// fallback chain.
func (e *Executor) executeFallback(ctx context.Context, r *Resolved, prompt string) *workflow.StepResult {
	var last *workflow.StepError
	for _, b := range r.Backends {
		out, stepErr := b.Invoke(ctx, prompt)
		if stepErr == nil {
			return &workflow.StepResult{Status: workflow.StatusCompleted, Output: out, Backend: b.Name()}
		}
		stepErr.Backend = b.Name()
		last = stepErr
		if !stepErr.Kind.Transient() {
			break
		}
	}
	return &workflow.StepResult{Status: workflow.StatusFailed, Failed: true, Error: last}
}

// executeParallel invokes every backend concurrently and succeeds if
// at least MinSuccess of them return output. All backends run to
// completion regardless of how many have already succeeded.
func (e *Executor) executeParallel(ctx context.Context, r *Resolved, prompt string) *workflow.StepResult {
	outputs := make([]*workflow.BackendOutput, len(r.Backends))

	var wg sync.WaitGroup
	for i, b := range r.Backends {
		wg.Add(1)
		go func(idx int, bk backend.Backend) {
			defer wg.Done()
			out, stepErr := bk.Invoke(ctx, prompt)
			bo := &workflow.BackendOutput{Backend: bk.Name()}
			if stepErr != nil {
				stepErr.Backend = bk.Name()
				bo.Failed = true
				bo.Error = stepErr
			} else {
				bo.Output = out
			}
			outputs[idx] = bo
		}(i, b)
	}
	wg.Wait()

	succeeded := 0
	var combined []string
	for _, o := range outputs {
		if !o.Failed {
			succeeded++
			combined = append(combined, o.Output)
		}
	}

	if succeeded < r.MinSuccess {
		return &workflow.StepResult{
			Status:  workflow.StatusFailed,
			Failed:  true,
			Outputs: outputs,
			Error: &workflow.StepError{
				Kind:    workflow.ErrNoBackendsAvailable,
				Message: fmt.Sprintf("%d/%d backends succeeded, need %d", succeeded, len(outputs), r.MinSuccess),
			},
		}
	}

	return &workflow.StepResult{Status: workflow.StatusCompleted, Outputs: outputs}
}
