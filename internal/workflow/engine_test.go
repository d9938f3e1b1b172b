package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher lets each test script a step's outcome by name,
// optionally failing a fixed number of attempts before succeeding so
// retry_on/retries can be exercised deterministically.
type fakeDispatcher struct {
	mu        sync.Mutex
	attempts  map[string]int
	failTimes map[string]int
	failKind  map[string]ErrorKind
	outputs   map[string]string
	delay     map[string]time.Duration
	calls     []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		attempts:  make(map[string]int),
		failTimes: make(map[string]int),
		failKind:  make(map[string]ErrorKind),
		outputs:   make(map[string]string),
		delay:     make(map[string]time.Duration),
	}
}

func (f *fakeDispatcher) dispatch(ctx context.Context, s *Step) (*StepResult, error) {
	f.mu.Lock()
	f.attempts[s.Name]++
	attempt := f.attempts[s.Name]
	f.calls = append(f.calls, s.Name)
	d := f.delay[s.Name]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if attempt <= f.failTimes[s.Name] {
		kind := f.failKind[s.Name]
		if kind == "" {
			kind = ErrTimeout
		}
		return &StepResult{StepName: s.Name, Status: StatusFailed, Failed: true, Error: &StepError{Kind: kind, Message: "induced failure"}}, nil
	}
	return &StepResult{StepName: s.Name, Status: StatusCompleted, Output: f.outputs[s.Name]}, nil
}

func (f *fakeDispatcher) DispatchShell(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	return f.dispatch(ctx, s)
}
func (f *fakeDispatcher) DispatchQuery(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	return f.dispatch(ctx, s)
}
func (f *fakeDispatcher) DispatchApply(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	return f.dispatch(ctx, s)
}
func (f *fakeDispatcher) DispatchStore(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	return f.dispatch(ctx, s)
}
func (f *fakeDispatcher) DispatchInput(ctx context.Context, rc *RunContext, s *Step) (*StepResult, error) {
	return f.dispatch(ctx, s)
}

// fakeTemplate evaluates `if`/`for_each` literally: "true"/"false" for
// EvalBool, one item per rune of the expression for EvalList. Good
// enough for scheduler tests that don't exercise the real grammar.
type fakeTemplate struct{}

func (fakeTemplate) EvalBool(expr string, roots map[string]interface{}) (bool, error) {
	if expr == "error" {
		return false, fmt.Errorf("boom")
	}
	return expr == "true", nil
}

func (fakeTemplate) EvalList(expr string, roots map[string]interface{}) ([]interface{}, error) {
	if expr == "" {
		return nil, nil
	}
	if expr == "empty" {
		return []interface{}{}, nil
	}
	out := make([]interface{}, 0)
	for _, c := range []rune(expr) {
		out = append(out, string(c))
	}
	return out, nil
}

func wf(steps ...*Step) *Workflow {
	return &Workflow{Name: "test", Steps: steps}
}

func TestEngineRunSequentialDependency(t *testing.T) {
	d := newFakeDispatcher()
	d.outputs["diff"] = "A\n"
	d.outputs["review"] = "review: A\n"

	w := wf(
		&Step{Name: "diff", Type: StepShell, Shell: &ShellBody{Run: "echo A"}},
		&Step{Name: "review", Type: StepQuery, DependsOn: []string{"diff"}, Query: &QueryBody{Role: "reviewer", Prompt: "{{ steps.diff.output }}"}},
	)
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "review: A\n", res.Steps["review"].Output)
}

func TestEngineRetryOnTimeout(t *testing.T) {
	d := newFakeDispatcher()
	d.failTimes["flaky"] = 1
	d.failKind["flaky"] = ErrTimeout

	w := wf(&Step{Name: "flaky", Type: StepShell, Retries: 2, Shell: &ShellBody{Run: "true"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Steps["flaky"].Attempt)
}

func TestEngineDoesNotRetryPermanentKind(t *testing.T) {
	d := newFakeDispatcher()
	d.failTimes["bad"] = 999
	d.failKind["bad"] = ErrConfigError

	w := wf(&Step{Name: "bad", Type: StepShell, Retries: 3, Shell: &ShellBody{Run: "false"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Steps["bad"].Attempt)
}

func TestEngineDependentBlockedOnHardFailure(t *testing.T) {
	d := newFakeDispatcher()
	d.failTimes["a"] = 999
	d.failKind["a"] = ErrConfigError

	w := wf(
		&Step{Name: "a", Type: StepShell, Shell: &ShellBody{Run: "false"}},
		&Step{Name: "b", Type: StepShell, DependsOn: []string{"a"}, Shell: &ShellBody{Run: "echo b"}},
	)
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StatusBlocked, res.Steps["b"].Status)
}

func TestEngineContinueOnErrorDoesNotAbortOverallStatus(t *testing.T) {
	d := newFakeDispatcher()
	d.failTimes["a"] = 999
	d.failKind["a"] = ErrConfigError

	w := wf(&Step{Name: "a", Type: StepShell, ContinueOnError: true, Shell: &ShellBody{Run: "false"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Steps["a"].Failed)
}

func TestEngineIfSkipsStep(t *testing.T) {
	d := newFakeDispatcher()
	w := wf(&Step{Name: "maybe", Type: StepShell, If: "false", Shell: &ShellBody{Run: "echo skip"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Steps["maybe"].Status)
	assert.Empty(t, d.calls)
}

func TestEngineIfTemplateErrorFailsStep(t *testing.T) {
	d := newFakeDispatcher()
	w := wf(&Step{Name: "bad", Type: StepShell, If: "error", Shell: &ShellBody{Run: "echo x"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	require.True(t, res.Steps["bad"].Failed)
	assert.Equal(t, ErrTemplateError, res.Steps["bad"].Error.Kind)
}

func TestEngineForEachExpandsPerItem(t *testing.T) {
	d := newFakeDispatcher()
	w := wf(&Step{Name: "each", Type: StepShell, ForEach: "ab", Shell: &ShellBody{Run: "echo {{ item }}"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	require.Len(t, res.Steps["each"].SubResults, 2)
}

func TestEngineForEachEmptySourceSucceeds(t *testing.T) {
	d := newFakeDispatcher()
	w := wf(&Step{Name: "each", Type: StepShell, ForEach: "empty", Shell: &ShellBody{Run: "echo {{ item }}"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	res, err := e.Run(context.Background(), w, rc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Steps["each"].Status)
	assert.Empty(t, res.Steps["each"].SubResults)
}

func TestEngineCancellationStopsWithinBudget(t *testing.T) {
	d := newFakeDispatcher()
	d.delay["slow"] = 30 * time.Second

	w := wf(&Step{Name: "slow", Type: StepShell, Shell: &ShellBody{Run: "sleep 30"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	res, err := e.Run(ctx, w, rc)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 1*time.Second)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := backoffDelay(base, 1)
	d2 := backoffDelay(base, 2)

	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+base/5+time.Millisecond)

	assert.GreaterOrEqual(t, d2, 2*base)
	assert.Less(t, d2, 2*base+2*base/5+time.Millisecond)
}

func TestEngineValidatesBeforeRunning(t *testing.T) {
	d := newFakeDispatcher()
	w := wf(&Step{Name: "a", Type: StepShell, DependsOn: []string{"a"}, Shell: &ShellBody{Run: "echo x"}})
	rc := NewRunContext(w, nil, nil, nil, nil)
	e := NewEngine(d, fakeTemplate{})

	_, err := e.Run(context.Background(), w, rc)
	require.Error(t, err)
	assert.Empty(t, d.calls)
}
