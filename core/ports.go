package core

import "context"

// DecisionRequest is the input handed to the oracle for one THINKING state.
type DecisionRequest struct {
	RunID  string
	Task   Task
	Policy Policy
	Steps  []Step
}

// Oracle decides the next step given the trace so far.
type Oracle interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req DecisionRequest) (Decision, error)

func (f OracleFunc) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	return f(ctx, req)
}

// ToolBus executes an action on behalf of a policy. It never returns an
// error: every failure is carried by the observation.
type ToolBus interface {
	Invoke(ctx context.Context, tool string, args map[string]any, policy Policy) Observation
}

// PolicyGuard checks tool names against a whitelist and bounds calls in time.
type PolicyGuard interface {
	Wrap(ctx context.Context, run func(ctx context.Context) error) error
	AllowTool(name string) bool
}

// TraceRecorder accumulates the steps of one run.
type TraceRecorder interface {
	Append(step Step) error
	Finalize(status Status, reason string, finalAnswer *string) error
	Steps() []Step
}

// Sink receives completed traces.
type Sink interface {
	Write(ctx context.Context, trace *Trace) error
	Close() error
}

// Masker hides credentials in text before it is persisted or logged.
type Masker interface {
	Mask(s string) string
}
