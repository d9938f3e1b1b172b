// Package workflow implements the declarative step scheduler: it parses
// a workflow file into a dependency-ordered DAG of steps, resolves each
// step's readiness against a frozen RunContext, and dispatches ready
// steps to the shell/query/apply/store/input components.
package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// StepDispatcher executes the type-specific body of a step. One method
// per StepType; the engine never inspects a step's body fields itself,
// it only routes to the matching method.
type StepDispatcher interface {
	DispatchShell(ctx context.Context, rc *RunContext, step *Step) (*StepResult, error)
	DispatchQuery(ctx context.Context, rc *RunContext, step *Step) (*StepResult, error)
	DispatchApply(ctx context.Context, rc *RunContext, step *Step) (*StepResult, error)
	DispatchStore(ctx context.Context, rc *RunContext, step *Step) (*StepResult, error)
	DispatchInput(ctx context.Context, rc *RunContext, step *Step) (*StepResult, error)
}

// TemplateEngine is the narrow surface the scheduler needs from the
// template substrate: boolean `if` evaluation and `for_each` list
// evaluation. String interpolation is left to the step dispatcher.
type TemplateEngine interface {
	EvalBool(expr string, roots map[string]interface{}) (bool, error)
	EvalList(expr string, roots map[string]interface{}) ([]interface{}, error)
}

// Hooks lets a caller observe step lifecycle events for logging,
// metrics, and tracing without the engine importing those packages.
type Hooks interface {
	StepStarted(rc *RunContext, step *Step)
	StepFinished(rc *RunContext, step *Step, res *StepResult)
}

type noopHooks struct{}

func (noopHooks) StepStarted(*RunContext, *Step)                 {}
func (noopHooks) StepFinished(*RunContext, *Step, *StepResult)   {}

// Engine schedules and runs a Workflow's steps.
type Engine struct {
	dispatcher     StepDispatcher
	tmpl           TemplateEngine
	validator      *Validator
	hooks          Hooks
	maxConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks installs lifecycle hooks (logging/metrics/tracing).
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithConcurrency caps the number of steps dispatched at once. Default
// is 8.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// NewEngine builds an Engine that dispatches step bodies through d and
// evaluates if/for_each expressions through tmpl.
func NewEngine(d StepDispatcher, tmpl TemplateEngine, opts ...Option) *Engine {
	e := &Engine{
		dispatcher:     d,
		tmpl:           tmpl,
		validator:      NewValidator(),
		hooks:          noopHooks{},
		maxConcurrency: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResult is the terminal outcome of one Engine.Run call.
type RunResult struct {
	RunID  RunID
	Status Status
	Steps  map[string]*StepResult
}

// Run validates wf, then schedules and executes its steps against rc
// until every step reaches a terminal state or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, wf *Workflow, rc *RunContext) (*RunResult, error) {
	if err := e.validator.Validate(wf); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}

	steps := wf.byName()
	state := newRunState(wf.Steps)

	type done struct {
		name string
		res  *StepResult
	}
	doneCh := make(chan done, len(wf.Steps))
	sem := make(chan struct{}, e.maxConcurrency)

	dispatch := func(s *Step) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			res := e.runStep(ctx, rc, s, state)
			rc.Install(res)
			doneCh <- done{name: s.Name, res: res}
		}()
	}

	// Kick off every step whose dependencies are already satisfied
	// (i.e. no dependencies at all) in declaration order.
	for _, s := range wf.Steps {
		if state.ready(s) {
			state.markDispatched(s.Name)
			dispatch(s)
		}
	}

	remaining := len(wf.Steps)
	cancelled := false

	for remaining > 0 {
		select {
		case <-ctx.Done():
			cancelled = true
			// Steps never dispatched will never run now; resolve them
			// to Cancelled immediately, since no process was ever
			// started for them. Steps already dispatched have a
			// goroutine (and possibly a child process) in flight; each
			// dispatcher honors ctx and is responsible for killing and
			// reaping its own subprocess, so those are left alone here
			// and drained below through their real doneCh result.
			// Fabricating a result for them here would both install a
			// StepResult twice and let Run return before the process is
			// actually dead.
			for _, s := range wf.Steps {
				if !state.isTerminal(s.Name) && state.isPendingDispatch(s.Name) {
					res := &StepResult{
						StepName: s.Name,
						Status:   StatusCancelled,
						Failed:   true,
						Error: &StepError{
							Kind:    ErrDependencyFailed,
							Message: "run cancelled",
						},
					}
					rc.Install(res)
					state.markDone(s.Name, res)
					remaining--
				}
			}
			for remaining > 0 {
				d := <-doneCh
				state.markDone(d.name, d.res)
				remaining--
			}
		case d := <-doneCh:
			state.markDone(d.name, d.res)
			remaining--

			// Recompute readiness in declaration order so that ties
			// dispatch in the order they appear in the workflow file.
			newlyReady := make([]*Step, 0, 4)
			for _, s := range wf.Steps {
				if state.isPendingDispatch(s.Name) && state.ready(s) {
					newlyReady = append(newlyReady, s)
				}
			}
			sort.SliceStable(newlyReady, func(i, j int) bool {
				return state.order[newlyReady[i].Name] < state.order[newlyReady[j].Name]
			})
			for _, s := range newlyReady {
				state.markDispatched(s.Name)
				dispatch(s)
			}

			// Steps blocked by a failed dependency (and not eligible
			// to run) are resolved to a terminal Blocked result with
			// no dispatch at all.
			for _, s := range wf.Steps {
				if state.isPendingDispatch(s.Name) && state.blocked(s, steps) {
					res := &StepResult{
						StepName: s.Name,
						Status:   StatusBlocked,
						Failed:   true,
						Error: &StepError{
							Kind:    ErrDependencyFailed,
							Message: "a required dependency did not complete successfully",
						},
					}
					rc.Install(res)
					state.markDone(s.Name, res)
					remaining--
				}
			}
		}
	}

	status := StatusCompleted
	if cancelled {
		status = StatusCancelled
	} else {
		for _, s := range wf.Steps {
			if res, _ := rc.Step(s.Name); res != nil && res.Failed && !s.ContinueOnError {
				status = StatusFailed
			}
		}
	}

	return &RunResult{RunID: rc.RunID, Status: status, Steps: rc.StepsSnapshot()}, nil
}

// runStep evaluates `if`, then dispatches the step body (expanding
// for_each into one dispatch per item), with retry handling per
// step.RetryOnKinds().
func (e *Engine) runStep(ctx context.Context, rc *RunContext, s *Step, state *runState) *StepResult {
	e.hooks.StepStarted(rc, s)
	start := time.Now()

	if s.If != "" {
		ok, err := e.tmpl.EvalBool(s.If, rc.TemplateRoots())
		if err != nil {
			res := &StepResult{
				StepName: s.Name,
				Status:   StatusFailed,
				Failed:   true,
				Error: &StepError{
					Kind:      ErrTemplateError,
					Message:   fmt.Sprintf("evaluating if: %v", err),
					StartedAt: start,
					FailedAt:  time.Now(),
				},
			}
			e.hooks.StepFinished(rc, s, res)
			return res
		}
		if !ok {
			res := &StepResult{StepName: s.Name, Status: StatusSkipped}
			e.hooks.StepFinished(rc, s, res)
			return res
		}
	}

	var res *StepResult
	if s.ForEach != "" {
		res = e.runForEach(ctx, rc, s)
	} else {
		res = e.dispatchWithRetry(ctx, rc, s)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	e.hooks.StepFinished(rc, s, res)
	return res
}

// runForEach expands s.ForEach into one dispatch per item, each seeing
// rc with Item bound to that iteration's value. An empty source
// succeeds with an empty SubResults/Output rather than being skipped.
func (e *Engine) runForEach(ctx context.Context, rc *RunContext, s *Step) *StepResult {
	items, err := e.tmpl.EvalList(s.ForEach, rc.TemplateRoots())
	if err != nil {
		return &StepResult{
			StepName: s.Name,
			Status:   StatusFailed,
			Failed:   true,
			Error: &StepError{
				Kind:    ErrTemplateError,
				Message: fmt.Sprintf("evaluating for_each: %v", err),
			},
		}
	}
	if len(items) == 0 {
		return &StepResult{StepName: s.Name, Status: StatusCompleted, SubResults: []*StepResult{}}
	}

	subs := make([]*StepResult, len(items))
	anyFailed := false
	for i, item := range items {
		itemCtx := rc.withItem(item)
		sub := e.dispatchWithRetry(ctx, itemCtx, s)
		subs[i] = sub
		if sub.Failed {
			anyFailed = true
		}
	}
	status := StatusCompleted
	if anyFailed && !s.ContinueOnError {
		status = StatusFailed
	}
	return &StepResult{StepName: s.Name, Status: status, Failed: anyFailed, SubResults: subs}
}

// dispatchWithRetry calls the type-specific dispatcher, retrying on
// retryable ErrorKinds up to s.Retries additional attempts with
// exponential backoff seeded from s.RetryDelayMS.
func (e *Engine) dispatchWithRetry(ctx context.Context, rc *RunContext, s *Step) *StepResult {
	retryable := s.RetryOnKinds()
	maxAttempts := s.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if s.TimeoutMS > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(s.TimeoutMS)*time.Millisecond)
		}
		res, err := e.dispatchOnce(stepCtx, rc, s)
		if cancel != nil {
			cancel()
		}
		if err != nil && res == nil {
			res = &StepResult{
				StepName: s.Name,
				Status:   StatusFailed,
				Failed:   true,
				Error:    &StepError{Kind: ErrBackendUnavailable, Message: err.Error()},
			}
		}
		res.Attempt = attempt
		last = res

		if !res.Failed {
			return res
		}
		if res.Error == nil || !retryable[res.Error.Kind] || attempt >= maxAttempts {
			return res
		}

		base := time.Duration(s.RetryDelayMS) * time.Millisecond
		if base <= 0 {
			base = 100 * time.Millisecond
		}
		delay := backoffDelay(base, attempt)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}
	}
	return last
}

// backoffDelay computes base * 2^(attempt-1) plus up to 20% jitter, so
// that retries of the same step (or of sibling steps sharing a
// backend) don't all wake up on the same tick.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	exp := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(exp)/5 + 1))
	return exp + jitter
}

func (e *Engine) dispatchOnce(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	switch s.Type {
	case StepShell:
		return e.dispatcher.DispatchShell(ctx, rc, s)
	case StepQuery:
		return e.dispatcher.DispatchQuery(ctx, rc, s)
	case StepApply:
		return e.dispatcher.DispatchApply(ctx, rc, s)
	case StepStore:
		return e.dispatcher.DispatchStore(ctx, rc, s)
	case StepInput:
		return e.dispatcher.DispatchInput(ctx, rc, s)
	default:
		return nil, fmt.Errorf("unknown step type: %s", s.Type)
	}
}

// runState tracks each step's scheduling phase outside of RunContext,
// since "dispatched but not yet installed" is scheduler-internal state
// that must never be visible through the template substrate.
type runState struct {
	order       map[string]int
	dispatched  map[string]bool
	terminal    map[string]bool
	results     map[string]*StepResult
}

func newRunState(steps []*Step) *runState {
	rs := &runState{
		order:      make(map[string]int, len(steps)),
		dispatched: make(map[string]bool, len(steps)),
		terminal:   make(map[string]bool, len(steps)),
		results:    make(map[string]*StepResult, len(steps)),
	}
	for i, s := range steps {
		rs.order[s.Name] = i
	}
	return rs
}

func (rs *runState) markDispatched(name string) { rs.dispatched[name] = true }

func (rs *runState) markDone(name string, res *StepResult) {
	rs.terminal[name] = true
	rs.results[name] = res
}

func (rs *runState) isTerminal(name string) bool        { return rs.terminal[name] }
func (rs *runState) isPendingDispatch(name string) bool { return !rs.dispatched[name] }

// ready reports whether every dependency of s has reached a terminal
// state compatible with running s: either all dependencies succeeded,
// or enough of them succeeded to satisfy min_deps_success.
func (rs *runState) ready(s *Step) bool {
	if rs.dispatched[s.Name] {
		return false
	}
	if len(s.DependsOn) == 0 {
		return true
	}
	succeeded := 0
	for _, dep := range s.DependsOn {
		if !rs.terminal[dep] {
			return false
		}
		if r := rs.results[dep]; r != nil && !r.Failed {
			succeeded++
		}
	}
	min := s.MinDepsSuccess
	if min == 0 {
		min = len(s.DependsOn)
	}
	return succeeded >= min
}

// blocked reports whether s can never become ready because too many
// of its dependencies have failed, even though not every dependency
// has necessarily finished yet — used to fail fast rather than wait
// on siblings that cannot change the outcome.
func (rs *runState) blocked(s *Step, all map[string]*Step) bool {
	if rs.dispatched[s.Name] || len(s.DependsOn) == 0 {
		return false
	}
	finished, failed := 0, 0
	for _, dep := range s.DependsOn {
		if rs.terminal[dep] {
			finished++
			if r := rs.results[dep]; r != nil && r.Failed {
				failed++
			}
		}
	}
	if finished < len(s.DependsOn) {
		// Not all deps have finished; only block early if the
		// remaining possible successes can no longer reach the
		// required minimum.
		min := s.MinDepsSuccess
		if min == 0 {
			min = len(s.DependsOn)
		}
		maxPossible := len(s.DependsOn) - failed
		return maxPossible < min
	}
	min := s.MinDepsSuccess
	if min == 0 {
		min = len(s.DependsOn)
	}
	return (len(s.DependsOn) - failed) < min
}
