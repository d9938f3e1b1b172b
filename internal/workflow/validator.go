package workflow

import (
	"fmt"
	"regexp"
)

// Validator validates a parsed Workflow before it is run: name
// uniqueness, dependency existence, cycle-freedom, and static
// references to other steps' outputs in template expressions.
type Validator struct{}

// NewValidator creates a new workflow validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validTypes = map[StepType]bool{
	StepShell: true,
	StepQuery: true,
	StepApply: true,
	StepStore: true,
	StepInput: true,
}

// stepRefPattern matches `steps.<name>` references inside template
// expressions, used to catch typo'd step names at validate time
// instead of at dispatch time.
var stepRefPattern = regexp.MustCompile(`steps\.([A-Za-z_][A-Za-z0-9_]*)`)

// Validate checks structural and reference correctness of wf.
func (v *Validator) Validate(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow is nil")
	}
	if wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow must have at least one step")
	}

	names := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		if err := v.validateStep(s, i); err != nil {
			return err
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate step name: %s", s.Name)
		}
		names[s.Name] = true
	}

	for _, g := range wf.Groups {
		if g.Name == "" {
			return fmt.Errorf("group with empty name")
		}
		for _, s := range g.Steps {
			if !names[s] {
				return fmt.Errorf("group %s references unknown step: %s", g.Name, s)
			}
		}
	}

	if err := v.validateDependencies(wf, names); err != nil {
		return err
	}
	if err := v.checkCircularDependencies(wf); err != nil {
		return err
	}
	if err := v.validateStepReferences(wf, names); err != nil {
		return err
	}

	return nil
}

func (v *Validator) validateStep(s *Step, index int) error {
	if s == nil {
		return fmt.Errorf("step %d is nil", index)
	}
	if s.Name == "" {
		return fmt.Errorf("step %d: name is required", index)
	}
	if !validTypes[s.Type] {
		return fmt.Errorf("step %s: unknown type %q", s.Name, s.Type)
	}
	switch s.Type {
	case StepShell:
		if s.Shell == nil || s.Shell.Run == "" {
			return fmt.Errorf("step %s: shell.run is required for shell steps", s.Name)
		}
	case StepQuery:
		if s.Query == nil || s.Query.Role == "" {
			return fmt.Errorf("step %s: query.role is required for query steps", s.Name)
		}
	case StepApply:
		if s.Apply == nil || (s.Apply.Source == "" && len(s.Apply.Edits) == 0) {
			return fmt.Errorf("step %s: apply steps require either apply.source or inline apply.edits", s.Name)
		}
	case StepStore:
		if s.Store == nil {
			return fmt.Errorf("step %s: store body is required for store steps", s.Name)
		}
	case StepInput:
		if s.Input == nil {
			return fmt.Errorf("step %s: input body is required for input steps", s.Name)
		}
	}
	if s.MinDepsSuccess < 0 {
		return fmt.Errorf("step %s: min_deps_success cannot be negative", s.Name)
	}
	if s.MinDepsSuccess > len(s.DependsOn) {
		return fmt.Errorf("step %s: min_deps_success (%d) exceeds depends_on count (%d)", s.Name, s.MinDepsSuccess, len(s.DependsOn))
	}
	return nil
}

func (v *Validator) validateDependencies(wf *Workflow, names map[string]bool) error {
	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return fmt.Errorf("step %s depends on unknown step: %s", s.Name, dep)
			}
			if dep == s.Name {
				return fmt.Errorf("step %s cannot depend on itself", s.Name)
			}
		}
	}
	return nil
}

// checkCircularDependencies detects cycles in the depends_on graph via
// DFS with a recursion stack.
func (v *Validator) checkCircularDependencies(wf *Workflow) error {
	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)

	graph := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		graph[s.Name] = s.DependsOn
	}

	var hasCycle func(string) bool
	hasCycle = func(name string) bool {
		visited[name] = true
		recursionStack[name] = true

		for _, dep := range graph[name] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recursionStack[dep] {
				return true
			}
		}

		recursionStack[name] = false
		return false
	}

	for _, s := range wf.Steps {
		if !visited[s.Name] {
			if hasCycle(s.Name) {
				return fmt.Errorf("circular dependency detected involving step: %s", s.Name)
			}
		}
	}
	return nil
}

// validateStepReferences scans If/ForEach and body template strings
// for `steps.<name>` references that name a step not in the workflow,
// or a step not listed in depends_on, catching typos like
// steps.anaylze.output before the run starts.
func (v *Validator) validateStepReferences(wf *Workflow, names map[string]bool) error {
	for _, s := range wf.Steps {
		deps := make(map[string]bool, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps[d] = true
		}
		for _, text := range stepTemplateStrings(s) {
			for _, m := range stepRefPattern.FindAllStringSubmatch(text, -1) {
				ref := m[1]
				if !names[ref] {
					return fmt.Errorf("step %s references unknown step %q in template expression", s.Name, ref)
				}
				if !deps[ref] {
					return fmt.Errorf("step %s references steps.%s but does not list it in depends_on", s.Name, ref)
				}
			}
		}
	}
	return nil
}

// stepTemplateStrings collects every string field of s that may
// contain a template expression.
func stepTemplateStrings(s *Step) []string {
	out := []string{s.If, s.ForEach}
	switch s.Type {
	case StepShell:
		if s.Shell != nil {
			out = append(out, s.Shell.Run)
		}
	case StepQuery:
		if s.Query != nil {
			out = append(out, s.Query.Prompt)
		}
	case StepApply:
		if s.Apply != nil {
			out = append(out, s.Apply.Source, s.Apply.Verify, s.Apply.VerifyRetryPrompt)
			for _, e := range s.Apply.Edits {
				if old, ok := e["old"].(string); ok {
					out = append(out, old)
				}
				if nw, ok := e["new"].(string); ok {
					out = append(out, nw)
				}
			}
		}
	case StepStore:
		if s.Store != nil {
			out = append(out, s.Store.Prompt)
		}
	case StepInput:
		if s.Input != nil {
			out = append(out, s.Input.Prompt)
		}
	}
	return out
}
