package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/llm-mux/llm-mux/internal/workflow"
)

// Stdin is overridden by tests; production always reads the process's
// real stdin.
var Stdin io.Reader = os.Stdin

// DispatchInput surfaces the step's rendered prompt on stdout and
// reads one line of collaborator-supplied text from stdin. Rich
// interactive collection (multi-turn, validation, timeouts) is an
// external collaborator's job; the core only schedules the step type.
func (d *Dispatcher) DispatchInput(ctx context.Context, rc *workflow.RunContext, step *workflow.Step) (*workflow.StepResult, error) {
	start := time.Now()
	rendered, ok, stepErr := d.render(step.Input.Prompt, rc, step)
	if !ok {
		return failedResult(stepErr), nil
	}

	fmt.Println(rendered)
	line, err := bufio.NewReader(Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return failedResult(&workflow.StepError{
			Kind:      workflow.ErrBackendUnavailable,
			Message:   "reading input: " + err.Error(),
			StartedAt: start,
			FailedAt:  time.Now(),
		}), nil
	}

	return &workflow.StepResult{
		Status:     workflow.StatusCompleted,
		Output:     trimNewline(line),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
