package workflow

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// StepType is the closed set of step kinds dispatched by the scheduler.
type StepType string

const (
	StepShell StepType = "shell"
	StepQuery StepType = "query"
	StepApply StepType = "apply"
	StepStore StepType = "store"
	StepInput StepType = "input"
)

// ArgSpec describes one entry of a workflow's `args` schema table.
type ArgSpec struct {
	Type        string      `toml:"type"`
	Required    bool        `toml:"required"`
	Default     interface{} `toml:"default"`
	Description string      `toml:"description"`
}

// Group is one `[[groups]]` table: a named collection of step names,
// exposed read-only in the template context as `groups.<name>`.
type Group struct {
	Name  string   `toml:"name"`
	Steps []string `toml:"steps"`
}

// ShellBody is the `shell` step's type-specific body.
type ShellBody struct {
	Run string `toml:"run"`
}

// QueryBody is the `query` step's type-specific body.
type QueryBody struct {
	Role         string                 `toml:"role"`
	Prompt       string                 `toml:"prompt"`
	OutputSchema map[string]interface{} `toml:"output_schema"`
}

// ApplyBody is the `apply` step's type-specific body.
type ApplyBody struct {
	Source            string                   `toml:"source"`
	Edits             []map[string]interface{} `toml:"edits"`
	Verify            string                   `toml:"verify"`
	VerifyRetries     int                      `toml:"verify_retries"`
	VerifyRetryPrompt string                   `toml:"verify_retry_prompt"`
	RollbackOnFailure bool                     `toml:"rollback_on_failure"`
}

// StoreBody is the `store` step's type-specific body.
type StoreBody struct {
	Prompt string `toml:"prompt"`
}

// InputBody is the `input` step's type-specific body. The core only
// schedules it as a step type; collecting the actual input is an
// external collaborator's job.
type InputBody struct {
	Prompt string `toml:"prompt"`
}

// Step is a single declarative DAG node.
type Step struct {
	Name            string   `toml:"name"`
	Type            StepType `toml:"type"`
	DependsOn       []string `toml:"depends_on"`
	If              string   `toml:"if"`
	ForEach         string   `toml:"for_each"`
	TimeoutMS       int64    `toml:"timeout"`
	Retries         int      `toml:"retries"`
	RetryDelayMS    int64    `toml:"retry_delay"`
	ContinueOnError bool     `toml:"continue_on_error"`
	MinDepsSuccess  int      `toml:"min_deps_success"`
	RetryOn         []string `toml:"retry_on"`

	Shell *ShellBody `toml:"shell"`
	Query *QueryBody `toml:"query"`
	Apply *ApplyBody `toml:"apply"`
	Store *StoreBody `toml:"store"`
	Input *InputBody `toml:"input"`
}

// Timeout returns the step's configured timeout, or 0 if unset.
func (s *Step) Timeout() int64 { return s.TimeoutMS }

// RetryOnKinds returns the retry_on set as ErrorKinds, defaulting to
// {RateLimit, Timeout, OutputParseFailed} when unset.
func (s *Step) RetryOnKinds() map[ErrorKind]bool {
	out := make(map[ErrorKind]bool)
	if len(s.RetryOn) == 0 {
		for _, k := range []ErrorKind{ErrRateLimit, ErrTimeout, ErrNetworkError, ErrBackendUnavailable, ErrOutputParseFailed, ErrVerificationFailed, ErrConfigError, ErrFileNotFound, ErrTemplateError, ErrInvalidWorkflow, ErrAuthError, ErrEditNotApplied, ErrNoBackendsAvailable, ErrDependencyFailed} {
			if k.DefaultRetryable() {
				out[k] = true
			}
		}
		return out
	}
	for _, k := range s.RetryOn {
		out[ErrorKind(k)] = true
	}
	return out
}

// Workflow is the parsed top-level workflow file.
type Workflow struct {
	Name        string                 `toml:"name"`
	Description string                 `toml:"description"`
	Args        map[string]ArgSpec     `toml:"args"`
	Output      map[string]interface{} `toml:"output"`
	Groups      []Group                `toml:"groups"`
	Steps       []*Step                `toml:"steps"`
}

// byName indexes Steps by name. Callers must run Validate first to
// guarantee names are unique.
func (w *Workflow) byName() map[string]*Step {
	m := make(map[string]*Step, len(w.Steps))
	for _, s := range w.Steps {
		m[s.Name] = s
	}
	return m
}

// groupSteps resolves a group name to its member step names, or nil if
// no such group exists.
func (w *Workflow) groupSteps(name string) []string {
	for _, g := range w.Groups {
		if g.Name == name {
			return g.Steps
		}
	}
	return nil
}

// Load parses a workflow TOML file from disk.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes workflow TOML bytes into a Workflow.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if _, err := toml.Decode(string(data), &wf); err != nil {
		return nil, fmt.Errorf("parse workflow toml: %w", err)
	}
	return &wf, nil
}
