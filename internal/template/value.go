package template

import (
	"fmt"
	"strconv"
)

// toString renders a value the way `{{ }}` interpolation does: plain
// text, no quoting.
func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// toBool applies the substrate's truthiness rule: false, nil, "",
// zero, and empty collections are falsy; everything else is truthy.
func toBool(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// toList coerces v into a slice for `for_each` iteration.
func toList(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return t, nil
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("template: value of type %T is not iterable", v)
	}
}

// lookupPath resolves a dotted path against roots and any active loop
// scope, returning (nil, false) if any segment is missing rather than
// erroring — a missing field renders as empty text and is falsy,
// matching common template-language behavior for optional data.
// evalExpr still rejects steps.<name> when no step <name> exists.
func lookupPath(segments []string, roots map[string]interface{}, scope map[string]interface{}) (interface{}, bool) {
	if len(segments) == 0 {
		return nil, false
	}
	head := segments[0]
	var cur interface{}
	if v, ok := scope[head]; ok {
		cur = v
	} else if v, ok := roots[head]; ok {
		cur = v
	} else {
		return nil, false
	}
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
