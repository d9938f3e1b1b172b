package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-mux/llm-mux/internal/workflow"
)

func wfWithArgs(args map[string]workflow.ArgSpec) *workflow.Workflow {
	return &workflow.Workflow{Name: "test", Args: args}
}

func TestParseArgsAppliesDefaults(t *testing.T) {
	wf := wfWithArgs(map[string]workflow.ArgSpec{
		"count": {Type: "int", Default: 3},
	})

	out, err := parseArgs(wf, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
}

func TestParseArgsOverridesDefaultAndCoercesType(t *testing.T) {
	wf := wfWithArgs(map[string]workflow.ArgSpec{
		"count": {Type: "int", Default: 3},
		"dry":   {Type: "bool"},
	})

	out, err := parseArgs(wf, []string{"count=7", "dry=true"})
	require.NoError(t, err)
	assert.Equal(t, 7, out["count"])
	assert.Equal(t, true, out["dry"])
}

func TestParseArgsMissingRequiredFails(t *testing.T) {
	wf := wfWithArgs(map[string]workflow.ArgSpec{
		"ticket": {Required: true},
	})

	_, err := parseArgs(wf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket")
}

func TestParseArgsMalformedPairFails(t *testing.T) {
	wf := wfWithArgs(nil)

	_, err := parseArgs(wf, []string{"notakeyvalue"})
	require.Error(t, err)
}

func TestParseArgsUnknownKeyPassesThroughAsString(t *testing.T) {
	wf := wfWithArgs(nil)

	out, err := parseArgs(wf, []string{"extra=hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["extra"])
}

func TestCoerceArgFallsBackToStringOnBadInt(t *testing.T) {
	assert.Equal(t, "not-a-number", coerceArg("int", "not-a-number"))
}

func TestOrderedStepNamesSortsAlphabetically(t *testing.T) {
	steps := map[string]*workflow.StepResult{
		"zeta":  {},
		"alpha": {},
		"mid":   {},
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, orderedStepNames(steps))
}
