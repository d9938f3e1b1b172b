package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-mux/llm-mux/internal/backend"
	"github.com/llm-mux/llm-mux/internal/memory"
	"github.com/llm-mux/llm-mux/internal/process"
	"github.com/llm-mux/llm-mux/internal/role"
	"github.com/llm-mux/llm-mux/internal/template"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

type fakeBackend struct {
	name   string
	output string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Invoke(ctx context.Context, prompt string) (string, *workflow.StepError) {
	return "review: " + prompt, nil
}

func newDispatcherWithRole(roleName string, backends ...backend.Backend) *Dispatcher {
	m := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		m[b.Name()] = b
	}
	resolver := role.NewResolver(map[string]role.Config{
		roleName: {Backends: namesOf(backends), Strategy: role.StrategyFirst},
	}, m)
	return New(role.NewExecutor(resolver), template.New(), process.NewManager(), nil)
}

func namesOf(backends []backend.Backend) []string {
	out := make([]string, len(backends))
	for i, b := range backends {
		out[i] = b.Name()
	}
	return out
}

func runCtx(steps map[string]*workflow.StepResult) *workflow.RunContext {
	w := &workflow.Workflow{Name: "test"}
	rc := workflow.NewRunContext(w, map[string]interface{}{}, map[string]string{}, map[string]interface{}{}, map[string]interface{}{})
	for _, res := range steps {
		rc.Install(res)
	}
	return rc
}

func TestDispatchShellRendersAndRuns(t *testing.T) {
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{Name: "diff", Type: workflow.StepShell, Shell: &workflow.ShellBody{Run: "echo {{ args.name }}"}}
	rc.Args["name"] = "hi"

	res, err := d.DispatchShell(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)
	assert.Equal(t, "hi\n", res.Output)
}

func TestDispatchShellNonZeroExitFails(t *testing.T) {
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{Name: "bad", Type: workflow.StepShell, Shell: &workflow.ShellBody{Run: "exit 3"}}

	res, err := d.DispatchShell(context.Background(), rc, step)
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, workflow.ErrBackendUnavailable, res.Error.Kind)
	assert.Equal(t, 3, res.Error.ExitCode)
}

func TestDispatchQuerySendsRenderedPrompt(t *testing.T) {
	d := newDispatcherWithRole("reviewer", &fakeBackend{name: "a"})
	rc := runCtx(map[string]*workflow.StepResult{
		"diff": {StepName: "diff", Status: workflow.StatusCompleted, Output: "A\n"},
	})
	step := &workflow.Step{
		Name: "review", Type: workflow.StepQuery,
		Query: &workflow.QueryBody{Role: "reviewer", Prompt: "{{ steps.diff.output }}"},
	}

	res, err := d.DispatchQuery(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)
	assert.Equal(t, "review: A\n", res.Output)
}

func TestDispatchQueryTemplateErrorIsPermanent(t *testing.T) {
	d := newDispatcherWithRole("reviewer", &fakeBackend{name: "a"})
	rc := runCtx(nil)
	step := &workflow.Step{
		Name: "review", Type: workflow.StepQuery,
		Query: &workflow.QueryBody{Role: "reviewer", Prompt: "{{ steps.analyze.output }}"},
	}

	res, err := d.DispatchQuery(context.Background(), rc, step)
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, workflow.ErrTemplateError, res.Error.Kind)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.go")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDispatchApplyInlineEditsWithPassingVerify(t *testing.T) {
	path := writeTemp(t, "package main\n\nfunc foo() {}\n")
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{
		Name: "patch", Type: workflow.StepApply,
		Apply: &workflow.ApplyBody{
			Edits: []map[string]interface{}{
				{"file": path, "old": "func foo() {}", "new": "func foo() { return }"},
			},
			Verify: "grep -q 'return' " + path,
		},
	}

	res, err := d.DispatchApply(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "return")
}

func TestDispatchApplyRollsBackOnExhaustedVerifyFailure(t *testing.T) {
	path := writeTemp(t, "a")
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{
		Name: "patch", Type: workflow.StepApply,
		Apply: &workflow.ApplyBody{
			Edits:             []map[string]interface{}{{"file": path, "old": "a", "new": "b"}},
			Verify:            "false",
			VerifyRetries:     1,
			RollbackOnFailure: true,
		},
	}

	res, err := d.DispatchApply(context.Background(), rc, step)
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, workflow.ErrVerificationFailed, res.Error.Kind)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", string(written))
}

func TestDispatchApplyFromSourceStep(t *testing.T) {
	path := writeTemp(t, "a")
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(map[string]*workflow.StepResult{
		"producer": {
			StepName: "producer", Status: workflow.StatusCompleted,
			Output: `{"edits":[{"file":"` + path + `","old":"a","new":"b"}]}`,
		},
	})
	step := &workflow.Step{
		Name: "patch", Type: workflow.StepApply,
		Apply: &workflow.ApplyBody{Source: "producer", Verify: "grep -q b " + path},
	}

	res, err := d.DispatchApply(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(written))
}

type fixerBackend struct{ output string }

func (f *fixerBackend) Name() string { return "fixer" }
func (f *fixerBackend) Invoke(ctx context.Context, prompt string) (string, *workflow.StepError) {
	return f.output, nil
}

func TestDispatchApplyRequeriesSourceOnVerifyFailure(t *testing.T) {
	path := writeTemp(t, "a")
	fixer := &fixerBackend{output: `{"edits":[{"file":"` + path + `","old":"a","new":"c"}]}`}
	resolver := role.NewResolver(map[string]role.Config{
		"fixer": {Backends: []string{"fixer"}, Strategy: role.StrategyFirst},
	}, map[string]backend.Backend{"fixer": fixer})
	d := New(role.NewExecutor(resolver), template.New(), process.NewManager(), nil)

	producer := &workflow.Step{
		Name: "producer", Type: workflow.StepQuery,
		Query: &workflow.QueryBody{Role: "fixer", Prompt: "fix the file"},
	}
	applyStep := &workflow.Step{
		Name: "patch", Type: workflow.StepApply,
		Apply: &workflow.ApplyBody{
			Source:        "producer",
			Verify:        "grep -q c " + path,
			VerifyRetries: 1,
		},
	}
	wf := &workflow.Workflow{Name: "test", Steps: []*workflow.Step{producer, applyStep}}
	rc := workflow.NewRunContext(wf, map[string]interface{}{}, map[string]string{}, map[string]interface{}{}, map[string]interface{}{})
	// Seed the producer's first (pre-retry) output, which the initial
	// apply below consumes without invoking fixerBackend at all.
	rc.Install(&workflow.StepResult{
		StepName: "producer", Status: workflow.StatusCompleted,
		Output: `{"edits":[{"file":"` + path + `","old":"a","new":"b"}]}`,
	})

	res, err := d.DispatchApply(context.Background(), rc, applyStep)
	require.NoError(t, err)
	require.False(t, res.Failed)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "c", string(written))
}

func TestDispatchApplyWithoutRequeryableSourceRollsBack(t *testing.T) {
	path := writeTemp(t, "a")
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(map[string]*workflow.StepResult{
		"producer": {
			StepName: "producer", Status: workflow.StatusCompleted,
			Output: `{"edits":[{"file":"` + path + `","old":"a","new":"b"}]}`,
		},
	})
	// "producer" has no matching Query step definition in rc's
	// workflow, so there is nothing to re-query on verify failure.
	step := &workflow.Step{
		Name: "patch", Type: workflow.StepApply,
		Apply: &workflow.ApplyBody{
			Source:            "producer",
			Verify:            "false",
			VerifyRetries:     1,
			RollbackOnFailure: true,
		},
	}

	res, err := d.DispatchApply(context.Background(), rc, step)
	require.NoError(t, err)
	require.True(t, res.Failed)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", string(written))
}

type fakeStore struct {
	facts []memory.Fact
	rels  []memory.Relationship
}

func (f *fakeStore) WriteFacts(ctx context.Context, facts []memory.Fact) error {
	f.facts = append(f.facts, facts...)
	return nil
}
func (f *fakeStore) WriteRelationships(ctx context.Context, rels []memory.Relationship) error {
	f.rels = append(f.rels, rels...)
	return nil
}

func TestDispatchStoreWritesFactsAndRelationships(t *testing.T) {
	store := &fakeStore{}
	d := New(nil, template.New(), process.NewManager(), store)
	rc := runCtx(nil)
	step := &workflow.Step{
		Name: "remember", Type: workflow.StepStore,
		Store: &workflow.StoreBody{Prompt: `{"facts":[{"subject":"x","text":"y"}],"relationships":[{"from":"x","to":"y","relation":"uses"}]}`},
	}

	res, err := d.DispatchStore(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, store.facts, 1)
	require.Len(t, store.rels, 1)
	assert.Equal(t, "x", store.facts[0].Subject)
}

func TestDispatchStoreWithoutConfiguredStoreFails(t *testing.T) {
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{Name: "remember", Type: workflow.StepStore, Store: &workflow.StoreBody{Prompt: "{}"}}

	res, err := d.DispatchStore(context.Background(), rc, step)
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, workflow.ErrConfigError, res.Error.Kind)
}

func TestDispatchInputReadsOneLine(t *testing.T) {
	d := New(nil, template.New(), process.NewManager(), nil)
	rc := runCtx(nil)
	step := &workflow.Step{Name: "ask", Type: workflow.StepInput, Input: &workflow.InputBody{Prompt: "name?"}}

	old := Stdin
	defer func() { Stdin = old }()
	Stdin = strings.NewReader("alice\n")

	res, err := d.DispatchInput(context.Background(), rc, step)
	require.NoError(t, err)
	require.False(t, res.Failed)
	assert.Equal(t, "alice", res.Output)
}
