package template

import (
	"fmt"
	"strings"
)

// Engine renders templates and evaluates standalone expressions
// against a fixed set of context roots. It implements
// workflow.TemplateEngine (EvalBool, EvalList) so the scheduler can
// evaluate `if`/`for_each` without importing this package's concrete
// types, and additionally exposes Render for prompt/command/edit
// interpolation used by the dispatch package.
type Engine struct{}

// New returns a ready-to-use Engine. It carries no state: every call
// is independently parsed, since workflow files are small and are
// parsed once per run, not hot-looped.
func New() *Engine { return &Engine{} }

// Render interpolates `{{ }}` expressions and evaluates `{% if %}`/
// `{% for %}` blocks in src against roots, returning the resulting
// text.
func (e *Engine) Render(src string, roots map[string]interface{}) (string, error) {
	nodes, err := parse(src)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := render(nodes, &evalCtx{roots: roots, scope: map[string]interface{}{}}, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// EvalBool evaluates expr (the body of an `if`/a standalone
// condition, without surrounding `{% %}`) against roots and applies
// the substrate's truthiness rule.
func (e *Engine) EvalBool(expr string, roots map[string]interface{}) (bool, error) {
	pl, err := parsePipeline(expr)
	if err != nil {
		return false, fmt.Errorf("template: invalid if expression %q: %w", expr, err)
	}
	v, err := evalPipeline(pl, &evalCtx{roots: roots, scope: map[string]interface{}{}})
	if err != nil {
		return false, err
	}
	return toBool(v), nil
}

// EvalList evaluates expr (a `for_each` source expression, without
// surrounding `{% %}`) against roots and coerces the result to a
// slice.
func (e *Engine) EvalList(expr string, roots map[string]interface{}) ([]interface{}, error) {
	pl, err := parsePipeline(expr)
	if err != nil {
		return nil, fmt.Errorf("template: invalid for_each expression %q: %w", expr, err)
	}
	v, err := evalPipeline(pl, &evalCtx{roots: roots, scope: map[string]interface{}{}})
	if err != nil {
		return nil, err
	}
	list, err := toList(v)
	if err != nil {
		return nil, fmt.Errorf("template: for_each expression %q: %w", expr, err)
	}
	return list, nil
}
