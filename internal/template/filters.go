package template

import (
	"encoding/json"
	"fmt"
	"strings"
)

// filterFunc is the signature every registered filter implements:
// the piped-in value, its evaluated argument list, and the resulting
// value (which itself may feed the next filter in the pipeline).
type filterFunc func(v interface{}, args []interface{}) (interface{}, error)

// filters is the closed registry. There is no mechanism to register
// additional filters at runtime; this map is the entire surface.
var filters = map[string]filterFunc{
	"shell_escape": filterShellEscape,
	"json":         filterJSON,
	"join":         filterJoin,
	"lines":        filterLines,
	"trim":         filterTrim,
	"default":      filterDefault,
}

func filterShellEscape(v interface{}, _ []interface{}) (interface{}, error) {
	s := toString(v)
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'", nil
}

func filterJSON(v interface{}, _ []interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json filter: %w", err)
	}
	return string(b), nil
}

func filterJoin(v interface{}, args []interface{}) (interface{}, error) {
	list, err := toList(v)
	if err != nil {
		return nil, fmt.Errorf("join filter: %w", err)
	}
	sep := ", "
	if len(args) > 0 {
		sep = toString(args[0])
	}
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = toString(item)
	}
	return strings.Join(parts, sep), nil
}

func filterLines(v interface{}, _ []interface{}) (interface{}, error) {
	s := toString(v)
	if s == "" {
		return []interface{}{}, nil
	}
	rawLines := strings.Split(s, "\n")
	out := make([]interface{}, 0, len(rawLines))
	for _, l := range rawLines {
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func filterTrim(v interface{}, _ []interface{}) (interface{}, error) {
	return strings.TrimSpace(toString(v)), nil
}

func filterDefault(v interface{}, args []interface{}) (interface{}, error) {
	if toBool(v) {
		return v, nil
	}
	if len(args) == 0 {
		return "", nil
	}
	return args[0], nil
}

func applyFilter(name string, v interface{}, args []interface{}) (interface{}, error) {
	fn, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("template: unknown filter %q (filters are a closed set)", name)
	}
	return fn(v, args)
}
