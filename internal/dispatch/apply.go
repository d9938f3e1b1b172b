package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llm-mux/llm-mux/internal/apply"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

// producedEdits is the shape a `source` step's output is expected to
// parse as: {"edits":[...], "facts":[...], "relationships":[...]}.
// Only edits is read here; facts/relationships belong to store steps.
type producedEdits struct {
	Edits []map[string]interface{} `json:"edits"`
}

// resolveEdits returns the raw edit tables for step, either from its
// inline `edits` table or from a prior step's JSON output named by
// `source`.
func (d *Dispatcher) resolveEdits(rc *workflow.RunContext, step *workflow.Step) ([]map[string]interface{}, *workflow.StepError) {
	if step.Apply.Source == "" {
		return step.Apply.Edits, nil
	}

	src, ok := rc.Step(step.Apply.Source)
	if !ok {
		return nil, &workflow.StepError{
			Kind:    workflow.ErrInvalidWorkflow,
			Message: fmt.Sprintf("apply step %q references unknown source step %q", step.Name, step.Apply.Source),
		}
	}
	return parseProducedEdits(src, step.Apply.Source)
}

// parseProducedEdits extracts the edits table from a query step's
// result, preferring its parsed Structured output and falling back to
// parsing res.Output as JSON directly.
func parseProducedEdits(res *workflow.StepResult, sourceName string) ([]map[string]interface{}, *workflow.StepError) {
	var out producedEdits
	if res.Structured != nil {
		b, err := json.Marshal(res.Structured)
		if err == nil {
			json.Unmarshal(b, &out)
		}
	}
	if len(out.Edits) == 0 && res.Output != "" {
		if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
			return nil, &workflow.StepError{
				Kind:    workflow.ErrOutputParseFailed,
				Message: fmt.Sprintf("source step %q output did not parse as edits JSON: %s", sourceName, err.Error()),
			}
		}
	}
	return out.Edits, nil
}

// groupByFile partitions raw edit tables by their "file" key, the
// order of first appearance preserved so ApplyToFile sees edits for a
// given file in the order the producer emitted them.
func groupByFile(raw []map[string]interface{}) ([]string, map[string][]map[string]interface{}, error) {
	order := make([]string, 0, len(raw))
	grouped := make(map[string][]map[string]interface{})
	for i, m := range raw {
		file, ok := m["file"].(string)
		if !ok || file == "" {
			return nil, nil, fmt.Errorf("edit %d: missing required \"file\" key", i)
		}
		if _, seen := grouped[file]; !seen {
			order = append(order, file)
		}
		grouped[file] = append(grouped[file], m)
	}
	return order, grouped, nil
}

// DispatchApply resolves a step's edits, applies them file by file,
// and runs the verify command, retrying up to VerifyRetries times and
// rolling back every touched file on exhausted failure when
// RollbackOnFailure is set.
func (d *Dispatcher) DispatchApply(ctx context.Context, rc *workflow.RunContext, step *workflow.Step) (*workflow.StepResult, error) {
	start := time.Now()
	body := step.Apply

	raw, stepErr := d.resolveEdits(rc, step)
	if stepErr != nil {
		return failedResult(stepErr), nil
	}
	if len(raw) == 0 {
		return failedResult(&workflow.StepError{
			Kind:    workflow.ErrInvalidWorkflow,
			Message: fmt.Sprintf("apply step %q has no edits to apply", step.Name),
		}), nil
	}

	files, grouped, err := groupByFile(raw)
	if err != nil {
		return failedResult(&workflow.StepError{Kind: workflow.ErrInvalidWorkflow, Message: err.Error()}), nil
	}

	preImages := make(map[string]string, len(files))
	applied := 0
	for _, file := range files {
		renderedEdits, rerr := d.renderEditFields(grouped[file], rc, step)
		if rerr != nil {
			d.rollbackAll(preImages)
			return failedResult(rerr), nil
		}
		edits, perr := apply.ParseEdits(renderedEdits)
		if perr != nil {
			d.rollbackAll(preImages)
			return failedResult(&workflow.StepError{Kind: workflow.ErrEditNotApplied, Message: perr.Error()}), nil
		}
		outcome, aerr := apply.ApplyToFile(file, edits)
		if aerr != nil {
			d.rollbackAll(preImages)
			return failedResult(&workflow.StepError{Kind: workflow.ErrEditNotApplied, Message: aerr.Error()}), nil
		}
		preImages[file] = outcome.PreImage
		applied += outcome.AppliedCount
	}

	renderedVerify, ok, stepErr := d.render(body.Verify, rc, step)
	if !ok {
		d.rollbackAll(preImages)
		return failedResult(stepErr), nil
	}

	var sourceStep *workflow.Step
	if body.Source != "" {
		if s, ok := rc.StepDef(body.Source); ok && s.Query != nil {
			sourceStep = s
		}
	}

	maxAttempts := body.VerifyRetries + 1
	var lastOutput string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, verr := apply.RunVerify(ctx, d.procs, "", renderedVerify)
		if verr != nil {
			d.rollbackAll(preImages)
			return failedResult(&workflow.StepError{Kind: workflow.ErrVerificationFailed, Message: verr.Error(), Attempt: attempt, MaxAttempts: maxAttempts}), nil
		}
		lastOutput = result.Output
		if result.Passed {
			return &workflow.StepResult{
				Status:     workflow.StatusCompleted,
				Output:     fmt.Sprintf("applied %d edit(s) across %d file(s)", applied, len(files)),
				DurationMS: time.Since(start).Milliseconds(),
				Attempt:    attempt,
			}, nil
		}
		if attempt == maxAttempts {
			break
		}
		if sourceStep == nil {
			continue
		}

		newFiles, newApplied, rerr := d.requeryAndReapply(ctx, rc, step, sourceStep, preImages, lastOutput)
		if rerr != nil {
			d.rollbackAll(preImages)
			return failedResult(rerr), nil
		}
		files, applied = newFiles, newApplied
	}

	if body.RollbackOnFailure {
		d.rollbackAll(preImages)
	}
	return failedResult(&workflow.StepError{
		Kind:        workflow.ErrVerificationFailed,
		Message:     "verify command did not pass after " + fmt.Sprint(maxAttempts) + " attempt(s)",
		Stdout:      lastOutput,
		Attempt:     maxAttempts,
		MaxAttempts: maxAttempts,
	}), nil
}

// renderEditFields renders the old/new/diff/file string fields of each
// raw edit table through the template substrate, leaving any other
// keys untouched.
func (d *Dispatcher) renderEditFields(raw []map[string]interface{}, rc *workflow.RunContext, step *workflow.Step) ([]map[string]interface{}, *workflow.StepError) {
	out := make([]map[string]interface{}, len(raw))
	for i, m := range raw {
		cp := make(map[string]interface{}, len(m))
		for k, v := range m {
			s, isStr := v.(string)
			if !isStr {
				cp[k] = v
				continue
			}
			rendered, ok, stepErr := d.render(s, rc, step)
			if !ok {
				return nil, stepErr
			}
			cp[k] = rendered
		}
		out[i] = cp
	}
	return out, nil
}

// defaultVerifyRetryPrompt is used when an apply step omits
// verify_retry_prompt but still wants the producing step re-queried on
// verification failure.
const defaultVerifyRetryPrompt = "The previous edit failed verification. Produce corrected edits that address the failure below."

// requeryAndReapply re-invokes sourceStep's role with its original
// prompt plus the rendered verify_retry_prompt and the verification
// failure output appended, then applies the resulting edits onto each
// file's ORIGINAL pre-image (not its currently mutated contents) so
// that every verify retry is independent of the ones before it.
func (d *Dispatcher) requeryAndReapply(ctx context.Context, rc *workflow.RunContext, applyStep, sourceStep *workflow.Step, preImages map[string]string, verifyOutput string) ([]string, int, *workflow.StepError) {
	body := applyStep.Apply

	basePrompt, ok, stepErr := d.render(sourceStep.Query.Prompt, rc, sourceStep)
	if !ok {
		return nil, 0, stepErr
	}
	retryPrompt := body.VerifyRetryPrompt
	if retryPrompt == "" {
		retryPrompt = defaultVerifyRetryPrompt
	}
	renderedRetry, ok, stepErr := d.render(retryPrompt, rc, applyStep)
	if !ok {
		return nil, 0, stepErr
	}
	prompt := basePrompt + "\n\n" + renderedRetry + "\n\nVerification output:\n" + verifyOutput

	res := d.roles.Execute(ctx, sourceStep.Query.Role, prompt)
	if res.Failed {
		return nil, 0, res.Error
	}
	raw, perr := parseProducedEdits(res, sourceStep.Name)
	if perr != nil {
		return nil, 0, perr
	}
	if len(raw) == 0 {
		return nil, 0, &workflow.StepError{
			Kind:    workflow.ErrInvalidWorkflow,
			Message: fmt.Sprintf("verify retry query of step %q produced no edits", sourceStep.Name),
		}
	}

	files, grouped, gerr := groupByFile(raw)
	if gerr != nil {
		return nil, 0, &workflow.StepError{Kind: workflow.ErrInvalidWorkflow, Message: gerr.Error()}
	}

	applied := 0
	for _, file := range files {
		if pre, seen := preImages[file]; seen {
			if err := apply.Rollback(file, pre); err != nil {
				return nil, 0, &workflow.StepError{Kind: workflow.ErrEditNotApplied, Message: err.Error()}
			}
		}
		renderedEdits, rerr := d.renderEditFields(grouped[file], rc, applyStep)
		if rerr != nil {
			return nil, 0, rerr
		}
		edits, perr := apply.ParseEdits(renderedEdits)
		if perr != nil {
			return nil, 0, &workflow.StepError{Kind: workflow.ErrEditNotApplied, Message: perr.Error()}
		}
		outcome, aerr := apply.ApplyToFile(file, edits)
		if aerr != nil {
			return nil, 0, &workflow.StepError{Kind: workflow.ErrEditNotApplied, Message: aerr.Error()}
		}
		if _, seen := preImages[file]; !seen {
			preImages[file] = outcome.PreImage
		}
		applied += outcome.AppliedCount
	}
	return files, applied, nil
}

// rollbackAll restores every touched file to its pre-edit image,
// swallowing individual restore errors since the caller is already on
// a failure path and has no better recovery to offer.
func (d *Dispatcher) rollbackAll(preImages map[string]string) {
	for path, pre := range preImages {
		_ = apply.Rollback(path, pre)
	}
}
