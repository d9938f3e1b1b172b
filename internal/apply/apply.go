package apply

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Outcome is the result of applying a set of edits to one file.
type Outcome struct {
	Path         string
	PreImage     string
	PostImage    string
	AppliedCount int
}

// dmpConfig returns a diffmatchpatch instance tuned for the fuzzy,
// bounded-drift matching the edit loop needs: tolerant enough to
// survive reformatted whitespace, not so loose it matches the wrong
// span of a large file.
func dmpConfig() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = 0.35
	dmp.MatchDistance = 2000
	dmp.PatchMargin = 4
	return dmp
}

// ApplyToFile reads path, applies edits in order, and atomically
// commits the result via a staged write + rename so a crash mid-write
// never leaves a partially-patched file on disk. The pre-image is
// always returned so callers can roll back on verify failure.
func ApplyToFile(path string, edits []*Edit) (*Outcome, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	src := string(original)
	pre := src

	applied := 0
	for i, e := range edits {
		next, err := applyOne(src, e)
		if err != nil {
			return nil, fmt.Errorf("edit %d on %s: %w", i, path, err)
		}
		src = next
		applied++
	}

	if err := commitAtomic(path, src); err != nil {
		return nil, err
	}

	return &Outcome{Path: path, PreImage: pre, PostImage: src, AppliedCount: applied}, nil
}

func applyOne(src string, e *Edit) (string, error) {
	if e.isDiff() {
		return applyDiff(src, e.Diff)
	}
	return applyOldNew(src, e.Old, e.New)
}

// applyOldNew fuzzily locates e.Old in src and replaces that span with
// e.New, tolerating whitespace drift between the edit and the file's
// current content.
func applyOldNew(src, old, new string) (string, error) {
	if old == "" {
		return src + new, nil
	}
	dmp := dmpConfig()

	loc := dmp.MatchMain(src, old, 0)
	if loc == -1 {
		return "", fmt.Errorf("%w: could not locate old text in file", errEditNotApplied)
	}

	end := loc + len(old)
	if end > len(src) {
		end = len(src)
	}
	return src[:loc] + new + src[end:], nil
}

// applyDiff applies a unified diff hunk with diffmatchpatch's built-in
// fuzzy patch application, which retries with a shrinking context
// window before giving up on a hunk.
func applyDiff(src, diffText string) (string, error) {
	dmp := dmpConfig()
	patches, err := dmp.PatchFromText(diffText)
	if err != nil {
		return "", fmt.Errorf("parsing diff: %w", err)
	}
	result, applied := dmp.PatchApply(patches, src)
	for _, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: one or more diff hunks did not apply", errEditNotApplied)
		}
	}
	return result, nil
}

// commitAtomic writes content to a staged temp file in the same
// directory as path, then renames it into place so readers never
// observe a partially written file.
func commitAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".llm-mux-*")
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write staged file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close staged file: %w", err)
	}
	info, err := os.Stat(path)
	if err == nil {
		os.Chmod(tmpPath, info.Mode())
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit staged file to %s: %w", path, err)
	}
	return nil
}

// Rollback restores path to preImage, used when verification fails
// and rollback_on_failure is set.
func Rollback(path, preImage string) error {
	return commitAtomic(path, preImage)
}
