// Package dispatch wires the scheduler's workflow.StepDispatcher
// interface to the concrete shell/query/apply/store/input components:
// rendering each step's templates against the run's TemplateRoots,
// invoking the matching collaborator, and mapping its outcome into a
// workflow.StepResult. The engine owns retry, backoff, and per-step
// timeout; every Dispatch method here is a single, unretried attempt,
// apart from DispatchApply's own verify_retries loop.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/llm-mux/llm-mux/internal/apply"
	"github.com/llm-mux/llm-mux/internal/memory"
	"github.com/llm-mux/llm-mux/internal/process"
	"github.com/llm-mux/llm-mux/internal/role"
	"github.com/llm-mux/llm-mux/internal/template"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

// Renderer is the template surface dispatch needs beyond the narrow
// workflow.TemplateEngine the scheduler itself consumes: prompt,
// command, and edit-field interpolation all go through Render.
type Renderer interface {
	Render(src string, roots map[string]interface{}) (string, error)
}

// Dispatcher implements workflow.StepDispatcher over the real
// shell/query/apply/store/input collaborators.
type Dispatcher struct {
	roles *role.Executor
	tmpl  Renderer
	procs *process.Manager
	store memory.Store
}

// New builds a Dispatcher. store may be nil if no memory backend was
// configured; DispatchStore then fails with ErrConfigError.
func New(roles *role.Executor, tmpl *template.Engine, procs *process.Manager, store memory.Store) *Dispatcher {
	return &Dispatcher{roles: roles, tmpl: tmpl, procs: procs, store: store}
}

// render wraps a template failure into the TemplateError kind, naming
// the step so StepError.Summary() points at the offending field.
func (d *Dispatcher) render(src string, rc *workflow.RunContext, step *workflow.Step) (string, bool, *workflow.StepError) {
	start := time.Now()
	out, err := d.tmpl.Render(src, rc.TemplateRoots())
	if err != nil {
		return "", false, &workflow.StepError{
			Kind:      workflow.ErrTemplateError,
			Message:   "step " + step.Name + ": " + err.Error(),
			StartedAt: start,
			FailedAt:  time.Now(),
		}
	}
	return out, true, nil
}

func failedResult(stepErr *workflow.StepError) *workflow.StepResult {
	return &workflow.StepResult{Status: workflow.StatusFailed, Failed: true, Error: stepErr}
}

// DispatchShell renders step.Shell.Run and executes it via `sh -c`.
func (d *Dispatcher) DispatchShell(ctx context.Context, rc *workflow.RunContext, step *workflow.Step) (*workflow.StepResult, error) {
	start := time.Now()
	rendered, ok, stepErr := d.render(step.Shell.Run, rc, step)
	if !ok {
		return failedResult(stepErr), nil
	}

	id := "shell-" + string(rc.RunID) + "-" + step.Name + "-" + uuid.NewString()
	res, err := d.procs.Run(ctx, id, process.Spec{Command: "sh", Args: []string{"-c", rendered}})
	if err != nil {
		exitCode := 0
		stdout, stderr := "", ""
		if res != nil {
			exitCode, stdout, stderr = res.ExitCode, res.Stdout, res.Stderr
		}
		return failedResult(&workflow.StepError{
			Kind:      classifyShellErr(ctx, err),
			Message:   err.Error(),
			StartedAt: start,
			FailedAt:  time.Now(),
			Command:   rendered,
			Stdout:    stdout,
			Stderr:    stderr,
			ExitCode:  exitCode,
		}), nil
	}

	return &workflow.StepResult{
		Status:     workflow.StatusCompleted,
		Output:     res.Stdout,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// classifyShellErr maps a `sh -c` failure to an ErrorKind, mirroring
// the backend package's subprocess classification.
func classifyShellErr(ctx context.Context, err error) workflow.ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		return workflow.ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return workflow.ErrBackendUnavailable
	}
	return workflow.ErrNetworkError
}

// DispatchQuery renders step.Query.Prompt and runs it against the
// step's resolved role.
func (d *Dispatcher) DispatchQuery(ctx context.Context, rc *workflow.RunContext, step *workflow.Step) (*workflow.StepResult, error) {
	rendered, ok, stepErr := d.render(step.Query.Prompt, rc, step)
	if !ok {
		return failedResult(stepErr), nil
	}
	res := d.roles.Execute(ctx, step.Query.Role, rendered)
	if res.Failed || len(step.Query.OutputSchema) == 0 || res.Output == "" {
		return res, nil
	}

	var structured interface{}
	if err := json.Unmarshal([]byte(res.Output), &structured); err != nil {
		return failedResult(&workflow.StepError{
			Kind:      workflow.ErrOutputParseFailed,
			Message:   "output did not parse as JSON against output_schema: " + err.Error(),
			StartedAt: time.Now(),
			FailedAt:  time.Now(),
			Backend:   res.Backend,
		}), nil
	}
	res.Structured = structured
	return res, nil
}
