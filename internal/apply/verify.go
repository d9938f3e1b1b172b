package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/llm-mux/llm-mux/internal/process"
)

// VerifyResult is the outcome of running an apply step's verify
// command.
type VerifyResult struct {
	Passed bool
	Output string
}

// RunVerify executes cmd as a shell command in dir and reports whether
// it exited zero.
func RunVerify(ctx context.Context, mgr *process.Manager, dir, cmd string) (*VerifyResult, error) {
	if cmd == "" {
		return &VerifyResult{Passed: true}, nil
	}
	res, err := mgr.Run(ctx, "verify-"+uuid.NewString(), process.Spec{
		Command: "sh",
		Args:    []string{"-c", cmd},
		Dir:     dir,
	})
	if res == nil {
		return nil, fmt.Errorf("running verify command %q: %w", cmd, err)
	}
	out := strings.TrimSpace(res.Stdout + res.Stderr)
	if err != nil {
		return &VerifyResult{Passed: false, Output: out}, nil
	}
	return &VerifyResult{Passed: true, Output: out}, nil
}
