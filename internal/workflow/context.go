package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID uniquely identifies one Engine.Run invocation.
type RunID string

// NewRunID generates a fresh v4 RunID.
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// RunContext is the read-mostly state threaded through one workflow
// run. args/env/team/ecosystem/groups are fixed at construction time;
// steps accumulates StepResults one single-writer install at a time
// and is the only part of RunContext that changes during a run.
//
// A step observes a snapshot of steps frozen at its own dispatch time:
// later installs by sibling steps are invisible to a step that has
// already begun rendering its templates, per the engine's ordering
// guarantee.
type RunContext struct {
	RunID     RunID
	Args      map[string]interface{}
	Env       map[string]string
	Team      map[string]interface{}
	Ecosystem map[string]interface{}
	Groups    map[string][]string

	// Item is set only while rendering one iteration of a for_each
	// sub-step; nil outside that scope.
	Item interface{}

	steps    *installedResults
	stepDefs map[string]*Step
}

// NewRunContext builds an empty RunContext for one run of wf.
func NewRunContext(wf *Workflow, args map[string]interface{}, env map[string]string, team, ecosystem map[string]interface{}) *RunContext {
	groups := make(map[string][]string, len(wf.Groups))
	for _, g := range wf.Groups {
		groups[g.Name] = g.Steps
	}
	return &RunContext{
		RunID:     NewRunID(),
		Args:      args,
		Env:       env,
		Team:      team,
		Ecosystem: ecosystem,
		Groups:    groups,
		steps:     newInstalledResults(),
		stepDefs:  wf.byName(),
	}
}

// StepDef returns the parsed definition of the step named name, so a
// dispatcher can inspect another step's body (e.g. an apply step
// re-querying its source query step's role/prompt) rather than only
// its installed StepResult.
func (rc *RunContext) StepDef(name string) (*Step, bool) {
	s, ok := rc.stepDefs[name]
	return s, ok
}

// Install commits res as the final, read-only result for its step.
// Safe for concurrent callers; serializes through a single mutex.
func (rc *RunContext) Install(res *StepResult) {
	rc.steps.install(res)
}

// StepsSnapshot returns the StepResults installed as of this call.
// TemplateRoots calls it on every render, so one render sees a
// consistent view even if sibling steps complete mid-render.
func (rc *RunContext) StepsSnapshot() map[string]*StepResult {
	return rc.steps.snapshot()
}

// Step returns the installed result for name, if any.
func (rc *RunContext) Step(name string) (*StepResult, bool) {
	return rc.steps.get(name)
}

// withItem returns a shallow copy of rc with Item set, used when
// rendering one for_each iteration without mutating the shared
// RunContext other iterations read.
func (rc *RunContext) withItem(item interface{}) *RunContext {
	cp := *rc
	cp.Item = item
	return &cp
}

// TemplateRoots builds the root namespace map exposed to the template
// substrate: args, env, team, ecosystem, steps, groups, item.
func (rc *RunContext) TemplateRoots() map[string]interface{} {
	stepsOut := make(map[string]interface{}, len(rc.steps.results))
	for name, res := range rc.StepsSnapshot() {
		stepsOut[name] = stepResultView(res)
	}
	roots := map[string]interface{}{
		"args":      rc.Args,
		"env":       rc.Env,
		"team":      rc.Team,
		"ecosystem": rc.Ecosystem,
		"steps":     stepsOut,
		"groups":    rc.Groups,
	}
	if rc.Item != nil {
		roots["item"] = rc.Item
	}
	return roots
}

// stepResultView projects a StepResult into the plain-map shape the
// template substrate addresses as steps.<name>.<field>.
func stepResultView(res *StepResult) map[string]interface{} {
	v := map[string]interface{}{
		"status":   string(res.Status),
		"output":   res.Output,
		"failed":   res.Failed,
		"backend":  res.Backend,
		"attempt":  res.Attempt,
	}
	if res.Structured != nil {
		v["structured"] = res.Structured
	}
	if res.Error != nil {
		v["error"] = map[string]interface{}{
			"kind":    string(res.Error.Kind),
			"message": res.Error.Message,
			"summary": res.Error.Summary(),
		}
	}
	if len(res.Outputs) > 0 {
		outs := make([]interface{}, len(res.Outputs))
		for i, o := range res.Outputs {
			outs[i] = map[string]interface{}{
				"backend": o.Backend,
				"output":  o.Output,
				"failed":  o.Failed,
			}
		}
		v["outputs"] = outs
	}
	if len(res.SubResults) > 0 {
		subs := make([]interface{}, len(res.SubResults))
		for i, s := range res.SubResults {
			subs[i] = stepResultView(s)
		}
		v["sub_results"] = subs
	}
	return v
}

// requireStep returns the installed result for name, or a clear error
// naming the step when no result has been installed for it.
func requireStep(rc *RunContext, name string) (*StepResult, error) {
	res, ok := rc.Step(name)
	if !ok {
		return nil, fmt.Errorf("step %q has no installed result", name)
	}
	return res, nil
}
