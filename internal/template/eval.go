package template

import (
	"fmt"
	"strings"
)

// evalCtx carries the fixed context roots plus the mutable loop-var
// scope stack used while walking a node tree.
type evalCtx struct {
	roots map[string]interface{}
	scope map[string]interface{}
}

func (e *evalCtx) withScope(name string, value interface{}) *evalCtx {
	next := make(map[string]interface{}, len(e.scope)+1)
	for k, v := range e.scope {
		next[k] = v
	}
	next[name] = value
	return &evalCtx{roots: e.roots, scope: next}
}

// evalExpr evaluates a parsed expr node against ctx.
func evalExpr(x expr, ctx *evalCtx) (interface{}, error) {
	switch t := x.(type) {
	case *stringLit:
		return t.value, nil
	case *intLit:
		return t.value, nil
	case *boolLit:
		return t.value, nil
	case *pathExpr:
		v, ok := lookupPath(t.segments, ctx.roots, ctx.scope)
		if !ok && len(t.segments) >= 2 && t.segments[0] == "steps" {
			if _, shadowed := ctx.scope["steps"]; !shadowed {
				steps, _ := ctx.roots["steps"].(map[string]interface{})
				if _, known := steps[t.segments[1]]; !known {
					return nil, fmt.Errorf("template: reference to undefined step %q", t.segments[1])
				}
			}
		}
		return v, nil
	case *notExpr:
		inner, err := evalExpr(t.inner, ctx)
		if err != nil {
			return nil, err
		}
		return !toBool(inner), nil
	case *binExpr:
		return evalBin(t, ctx)
	default:
		return nil, fmt.Errorf("template: unhandled expression node %T", x)
	}
}

func evalBin(b *binExpr, ctx *evalCtx) (interface{}, error) {
	switch b.op {
	case "&&":
		l, err := evalExpr(b.left, ctx)
		if err != nil {
			return nil, err
		}
		if !toBool(l) {
			return false, nil
		}
		r, err := evalExpr(b.right, ctx)
		if err != nil {
			return nil, err
		}
		return toBool(r), nil
	case "||":
		l, err := evalExpr(b.left, ctx)
		if err != nil {
			return nil, err
		}
		if toBool(l) {
			return true, nil
		}
		r, err := evalExpr(b.right, ctx)
		if err != nil {
			return nil, err
		}
		return toBool(r), nil
	case "==", "!=":
		l, err := evalExpr(b.left, ctx)
		if err != nil {
			return nil, err
		}
		r, err := evalExpr(b.right, ctx)
		if err != nil {
			return nil, err
		}
		eq := toString(l) == toString(r)
		if b.op == "!=" {
			eq = !eq
		}
		return eq, nil
	case "in":
		l, err := evalExpr(b.left, ctx)
		if err != nil {
			return nil, err
		}
		r, err := evalExpr(b.right, ctx)
		if err != nil {
			return nil, err
		}
		switch coll := r.(type) {
		case string:
			return strings.Contains(coll, toString(l)), nil
		case []interface{}:
			for _, item := range coll {
				if toString(item) == toString(l) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	default:
		return nil, fmt.Errorf("template: unknown operator %q", b.op)
	}
}

// evalPipeline evaluates the base expression, then threads the result
// through each filter stage in order.
func evalPipeline(pl *pipeline, ctx *evalCtx) (interface{}, error) {
	v, err := evalExpr(pl.base, ctx)
	if err != nil {
		return nil, err
	}
	for _, fc := range pl.filters {
		args := make([]interface{}, len(fc.args))
		for i, a := range fc.args {
			av, err := evalExpr(a, ctx)
			if err != nil {
				return nil, err
			}
			args[i] = av
		}
		v, err = applyFilter(fc.name, v, args)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// render walks nodes, writing interpolated text to sb.
func render(nodes []node, ctx *evalCtx, sb *strings.Builder) error {
	for _, n := range nodes {
		switch t := n.(type) {
		case *textNode:
			sb.WriteString(t.text)
		case *printNode:
			v, err := evalPipeline(t.expr, ctx)
			if err != nil {
				return err
			}
			sb.WriteString(toString(v))
		case *ifNode:
			v, err := evalPipeline(t.cond, ctx)
			if err != nil {
				return err
			}
			if toBool(v) {
				if err := render(t.then, ctx, sb); err != nil {
					return err
				}
			} else if t.els != nil {
				if err := render(t.els, ctx, sb); err != nil {
					return err
				}
			}
		case *forNode:
			v, err := evalPipeline(t.list, ctx)
			if err != nil {
				return err
			}
			items, err := toList(v)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := render(t.body, ctx.withScope(t.varName, item), sb); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("template: unhandled node %T", n)
		}
	}
	return nil
}
