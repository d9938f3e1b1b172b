package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/llm-mux/llm-mux/internal/memory"
	"github.com/llm-mux/llm-mux/internal/workflow"
)

// storePayload is the JSON shape a `store` step's rendered prompt must
// evaluate to.
type storePayload struct {
	Facts         []memory.Fact         `json:"facts"`
	Relationships []memory.Relationship `json:"relationships"`
}

// DispatchStore renders step.Store.Prompt, parses the result as JSON
// facts/relationships, and writes them through the configured memory
// store.
func (d *Dispatcher) DispatchStore(ctx context.Context, rc *workflow.RunContext, step *workflow.Step) (*workflow.StepResult, error) {
	start := time.Now()
	if d.store == nil {
		return failedResult(&workflow.StepError{
			Kind:    workflow.ErrConfigError,
			Message: "store step dispatched but no memory store is configured",
		}), nil
	}

	rendered, ok, stepErr := d.render(step.Store.Prompt, rc, step)
	if !ok {
		return failedResult(stepErr), nil
	}

	var payload storePayload
	if err := json.Unmarshal([]byte(rendered), &payload); err != nil {
		return failedResult(&workflow.StepError{
			Kind:      workflow.ErrOutputParseFailed,
			Message:   "store prompt did not evaluate to facts/relationships JSON: " + err.Error(),
			StartedAt: start,
			FailedAt:  time.Now(),
		}), nil
	}

	ecosystem, _ := rc.Ecosystem["name"].(string)
	for i := range payload.Facts {
		if payload.Facts[i].Ecosystem == "" {
			payload.Facts[i].Ecosystem = ecosystem
		}
	}
	for i := range payload.Relationships {
		if payload.Relationships[i].Ecosystem == "" {
			payload.Relationships[i].Ecosystem = ecosystem
		}
	}

	if len(payload.Facts) > 0 {
		if err := d.store.WriteFacts(ctx, payload.Facts); err != nil {
			return failedResult(&workflow.StepError{Kind: workflow.ErrBackendUnavailable, Message: err.Error()}), nil
		}
	}
	if len(payload.Relationships) > 0 {
		if err := d.store.WriteRelationships(ctx, payload.Relationships); err != nil {
			return failedResult(&workflow.StepError{Kind: workflow.ErrBackendUnavailable, Message: err.Error()}), nil
		}
	}

	return &workflow.StepResult{
		Status:     workflow.StatusCompleted,
		Output:     rendered,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
