// Package apply implements the edit/verify loop: parsing old/new or
// unified-diff edits, applying them to a file with fuzzy whitespace
// tolerance, committing atomically, and running a verify command with
// rollback on failure.
//
// Overlapping apply steps that target the same file concurrently are
// the workflow author's responsibility; nothing here serializes
// access across steps beyond the single-writer RunContext install.
package apply

import (
	"errors"
	"fmt"
)

// errEditNotApplied is wrapped into errors returned by ApplyToFile so
// callers can classify a failed fuzzy match distinctly from an I/O
// error.
var errEditNotApplied = errors.New("edit not applied")

// IsEditNotApplied reports whether err indicates a fuzzy match failed
// to locate an edit's target text.
func IsEditNotApplied(err error) bool {
	return errors.Is(err, errEditNotApplied)
}

// Edit is one parsed edit instruction: either an old/new snippet pair
// or a unified diff hunk, never both.
type Edit struct {
	Old  string
	New  string
	Diff string
}

// isDiff reports whether e is a unified-diff edit.
func (e *Edit) isDiff() bool { return e.Diff != "" }

// ParseEdits converts the raw TOML-decoded edit tables from a
// workflow's apply step into Edits.
func ParseEdits(raw []map[string]interface{}) ([]*Edit, error) {
	out := make([]*Edit, 0, len(raw))
	for i, m := range raw {
		e, err := parseEdit(m)
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseEdit(m map[string]interface{}) (*Edit, error) {
	if diff, ok := m["diff"].(string); ok && diff != "" {
		return &Edit{Diff: diff}, nil
	}
	old, hasOld := m["old"].(string)
	nw, hasNew := m["new"].(string)
	if !hasOld || !hasNew {
		return nil, fmt.Errorf("edit must set either 'diff' or both 'old' and 'new'")
	}
	return &Edit{Old: old, New: nw}, nil
}
