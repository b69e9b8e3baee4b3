package core

import (
	"time"
)

// Status is the terminal status of a trace.
type Status string

const (
	StatusFinished Status = "finished"
	StatusMaxSteps Status = "max_steps"
	StatusStalled  Status = "stalled"
	StatusError    Status = "error"
)

// Terminal reports whether s is one of the four terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusMaxSteps, StatusStalled, StatusError:
		return true
	}
	return false
}

// Task is one case loaded from the case file. Immutable once loaded.
type Task struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Expect Expect `json:"expect"`
}

type Expect struct {
	MustContain []string    `json:"must_contain,omitempty"`
	FileChecks  []FileCheck `json:"file_checks,omitempty"`
	MaxSteps    int         `json:"max_steps,omitempty"` // 0 = no limit
}

// FileCheck asserts on a file inside the run sandbox after the trace is terminal.
type FileCheck struct {
	Path     string   `json:"path"`
	Exists   *bool    `json:"exists,omitempty"`
	Equals   *string  `json:"equals,omitempty"` // compared after trimming whitespace
	Contains []string `json:"contains,omitempty"`
}

// Policy is a named execution bundle. Many tasks may share one policy.
type Policy struct {
	Version     string         `json:"version" yaml:"version"`
	Name        string         `json:"name" yaml:"name"`
	Variant     string         `json:"variant" yaml:"variant"` // "simple" | "deliberate"
	Model       string         `json:"model" yaml:"model"`
	Temperature float64        `json:"temperature" yaml:"temperature"`
	MaxSteps    int            `json:"max_steps" yaml:"max_steps"`
	Security    SecurityPolicy `json:"security" yaml:"security"`
	Retry       RetryPolicy    `json:"retry" yaml:"retry"`
}

type SecurityPolicy struct {
	AllowedTools     []string `json:"allowed_tools" yaml:"allowed_tools"`
	MaxExecutionTime float64  `json:"max_execution_time" yaml:"max_execution_time"` // seconds
	ToolTimeout      float64  `json:"tool_timeout" yaml:"tool_timeout"`             // seconds
}

// RetryPolicy configures oracle retries. Tool calls are never retried.
type RetryPolicy struct {
	MaxRetries    int     `json:"max_retries" yaml:"max_retries"`
	BaseDelayMs   int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs    int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        float64 `json:"jitter" yaml:"jitter"`
}

const (
	VariantSimple     = "simple"
	VariantDeliberate = "deliberate"
)

// ExecutionTimeout returns the wall-clock ceiling for one trace.
func (p Policy) ExecutionTimeout() time.Duration {
	return secondsToDuration(p.Security.MaxExecutionTime)
}

// ToolTimeout returns the per-call tool timeout.
func (p Policy) ToolTimeout() time.Duration {
	return secondsToDuration(p.Security.ToolTimeout)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Action is a tool invocation requested by the oracle.
type Action struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Decision is what the oracle returns for one THINKING state.
// Exactly one of Action and FinalAnswer is set, or neither for a
// thinking-only step.
type Decision struct {
	Thought     string  `json:"thought"`
	Action      *Action `json:"action,omitempty"`
	FinalAnswer *string `json:"final_answer,omitempty"`
	Tokens      int     `json:"tokens,omitempty"`
}

// Finish builds a finishing decision.
func Finish(thought, answer string) Decision {
	return Decision{Thought: thought, FinalAnswer: &answer}
}

// Act builds an action decision.
func Act(thought, tool string, args map[string]any) Decision {
	return Decision{Thought: thought, Action: &Action{Tool: tool, Args: args}}
}

// Step is one loop iteration. Never mutated after creation.
type Step struct {
	Index         int          `json:"index"`
	Thought       string       `json:"thought"`
	Action        *Action      `json:"action,omitempty"`
	Observation   string       `json:"observation"`
	Failure       *ToolFailure `json:"failure,omitempty"`
	LatencyMs     int64        `json:"latency_ms"`
	TokenEstimate int          `json:"token_estimate"`
	Error         bool         `json:"error"`
	Finish        bool         `json:"finish,omitempty"` // the finishing decision
}

// ToolName returns the invoked tool or "" for a thinking-only step.
func (s Step) ToolName() string {
	if s.Action == nil {
		return ""
	}
	return s.Action.Tool
}

// Trace is the full record of one (task, policy) run.
type Trace struct {
	RunID       string    `json:"run_id"`
	TaskID      string    `json:"task_id"`
	PolicyID    string    `json:"policy_id"`
	Variant     string    `json:"variant,omitempty"`
	Model       string    `json:"model,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Steps       []Step    `json:"steps"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason"`
	FinalAnswer *string   `json:"final_answer,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Summary     Summary   `json:"summary"`
}

// Answer returns the final answer or "".
func (t *Trace) Answer() string {
	if t.FinalAnswer == nil {
		return ""
	}
	return *t.FinalAnswer
}

// Summary holds per-trace statistics.
type Summary struct {
	Steps         int   `json:"steps"`
	LatencyMs     int64 `json:"latency_ms"`
	TokenEstimate int   `json:"token_estimate"`
	ToolCalls     int   `json:"tool_calls"`
	ToolErrors    int   `json:"tool_errors"`
}

// Summarize computes statistics over steps.
func Summarize(steps []Step) Summary {
	s := Summary{Steps: len(steps)}
	for _, st := range steps {
		s.LatencyMs += st.LatencyMs
		s.TokenEstimate += st.TokenEstimate
		if st.Action != nil {
			s.ToolCalls++
		}
		if st.Error {
			s.ToolErrors++
		}
	}
	return s
}

// Verdict is the evaluator's judgement of one trace.
type Verdict struct {
	TaskID   string   `json:"task_id"`
	PolicyID string   `json:"policy_id"`
	RunID    string   `json:"run_id"`
	Pass     bool     `json:"pass"`
	Status   Status   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Matched  []string `json:"matched,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Summary  Summary  `json:"summary"`
}

// Aggregate holds per-policy batch metrics.
type Aggregate struct {
	Total             int     `json:"total"`
	Passed            int     `json:"passed"`
	SuccessRate       float64 `json:"success_rate"`
	Finished          int     `json:"finished"`
	Stalled           int     `json:"stalled"`
	MaxSteps          int     `json:"max_steps"`
	Errors            int     `json:"errors"`
	MeanSteps         float64 `json:"mean_steps"`
	MeanLatencyMs     float64 `json:"mean_latency_ms"`
	MeanTokenEstimate float64 `json:"mean_token_estimate"`
	MeanToolCalls     float64 `json:"mean_tool_calls"`
}

// BatchReport is the scored outcome of a batch, keyed by policy for A/B comparison.
type BatchReport struct {
	Verdicts    []Verdict            `json:"verdicts"`
	Aggregates  map[string]Aggregate `json:"aggregates"`
	Policies    []string             `json:"policies"`
	GeneratedAt time.Time            `json:"generated_at"`
}
