package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/artifact"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/limiter"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/observability"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tokens"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/tracing"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/stall"
)

// DefaultMaxSteps applies when a policy does not set max_steps.
const DefaultMaxSteps = 8

// State is a state of the loop FSM.
type State int

const (
	StateThinking State = iota
	StateActing
	StateObserving
	StateFinished
	StateMaxSteps
	StateStalled
	StateError
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "THINKING"
	case StateActing:
		return "ACTING"
	case StateObserving:
		return "OBSERVING"
	case StateFinished:
		return "FINISHED"
	case StateMaxSteps:
		return "MAX_STEPS"
	case StateStalled:
		return "STALLED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s absorbs the loop.
func (s State) Terminal() bool {
	return s >= StateFinished
}

// Status maps a terminal state onto the trace status.
func (s State) Status() core.Status {
	switch s {
	case StateFinished:
		return core.StatusFinished
	case StateMaxSteps:
		return core.StatusMaxSteps
	case StateStalled:
		return core.StatusStalled
	}
	return core.StatusError
}

// Engine drives one ReAct loop per Run call. An Engine holds only shared,
// concurrency-safe collaborators; per-run state lives in a Recorder.
type Engine struct {
	Oracle     core.Oracle
	Tools      core.ToolBus
	Protection *limiter.ProtectionManager
	Tokens     tokens.Encoder
	Obs        *observability.Manager
	Masker     core.Masker
	NewRunID   func() string
}

// NewEngine wires an engine with default protection, token estimation and
// no-op observability.
func NewEngine(oracle core.Oracle, tools core.ToolBus) *Engine {
	return &Engine{Oracle: oracle, Tools: tools}
}

func (e *Engine) obs() *observability.Manager {
	if e.Obs == nil {
		e.Obs = observability.NewNop()
	}
	return e.Obs
}

func (e *Engine) protection() *limiter.ProtectionManager {
	if e.Protection == nil {
		e.Protection = limiter.NewProtectionManager(nil, e.obs().GetLogger(), e.obs().GetMetrics())
	}
	return e.Protection
}

func (e *Engine) encoder() tokens.Encoder {
	if e.Tokens == nil {
		e.Tokens = tokens.NewCharEncoder()
	}
	return e.Tokens
}

func (e *Engine) runID() string {
	if e.NewRunID != nil {
		return e.NewRunID()
	}
	return uuid.NewString()
}

// Prepare resolves lazily defaulted collaborators. Call it before sharing
// the engine across goroutines.
func (e *Engine) Prepare() *Engine {
	e.obs()
	e.protection()
	e.encoder()
	return e
}

// run is the state of one loop.
type run struct {
	id     string
	task   core.Task
	policy core.Policy
	rec    *artifact.Recorder
	log    *logging.Logger
	state  State
	reason string
	answer *string
}

// Run executes task under policy until a terminal state and returns the
// finalized trace. The returned error is non-nil only when the recorder
// rejected a step, which indicates a bug rather than a task failure.
func (e *Engine) Run(ctx context.Context, task core.Task, policy core.Policy) (*core.Trace, error) {
	return e.RunWithID(ctx, e.runID(), task, policy)
}

// RunWithID is Run with a caller-chosen run id.
func (e *Engine) RunWithID(ctx context.Context, runID string, task core.Task, policy core.Policy) (*core.Trace, error) {
	obs := e.obs()
	e.protection()
	e.encoder()

	ctx, span, log := obs.StartRun(ctx, runID, task.ID, policy.Name, policy.Model)
	defer span.End()

	r := &run{
		id:     runID,
		task:   task,
		policy: policy,
		rec:    artifact.NewRecorder(runID, task, policy, e.Masker),
		log:    log,
		state:  StateThinking,
	}

	runCtx := ctx
	if timeout := policy.ExecutionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.loop(ctx, runCtx, r); err != nil {
		r.state = StateError
		r.reason = err.Error()
		r.answer = nil
	}

	if err := r.rec.Finalize(r.state.Status(), r.reason, r.answer); err != nil {
		return nil, fmt.Errorf("finalize trace %s: %w", runID, err)
	}
	t, err := r.rec.Trace()
	if err != nil {
		return nil, err
	}

	obs.GetMetrics().RecordTrace(policy.Name, string(t.Status), t.Summary.TokenEstimate)
	tracing.AddSpanAttributes(span, map[string]interface{}{
		"agent.status": string(t.Status),
		"agent.steps":  t.Summary.Steps,
	})
	if t.Status == core.StatusError {
		tracing.RecordSpanError(span, errors.New(t.Reason))
	} else {
		tracing.RecordSpanSuccess(span)
	}
	log.Info("run finished",
		"status", string(t.Status),
		"reason", t.Reason,
		"steps", t.Summary.Steps,
		"latency_ms", t.Summary.LatencyMs,
		"token_estimate", t.Summary.TokenEstimate,
	)
	return t, nil
}

func (e *Engine) maxSteps(p core.Policy) int {
	if p.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return p.MaxSteps
}

// loop advances the FSM. A returned error is a recorder fault.
func (e *Engine) loop(parent, ctx context.Context, r *run) error {
	maxSteps := e.maxSteps(r.policy)

	for !r.state.Terminal() {
		if e.expired(parent, ctx, r) {
			return nil
		}

		index := r.rec.Len()
		start := time.Now()
		stepCtx, stepSpan := e.obs().GetTracer().StartStepSpan(ctx, index)

		r.transition(StateThinking)
		decision, err := e.decide(stepCtx, r)
		if err != nil {
			stepSpan.End()
			if e.expired(parent, ctx, r) {
				return nil
			}
			r.transition(StateError)
			r.reason = fmt.Sprintf("oracle error: %v", err)
			return nil
		}

		step := core.Step{Index: index, Thought: decision.Thought}

		switch {
		case decision.FinalAnswer != nil:
			step.Finish = true
			step.Observation = *decision.FinalAnswer
			answer := *decision.FinalAnswer
			r.answer = &answer
			r.reason = "final answer"
			r.transition(StateFinished)

		case decision.Action != nil:
			r.transition(StateActing)
			step.Action = decision.Action
			obs := e.Tools.Invoke(stepCtx, decision.Action.Tool, decision.Action.Args, r.policy)
			step.Observation = obs.String()
			step.Failure = obs.Failure
			step.Error = obs.Failed()
			r.transition(StateObserving)

		default:
			r.transition(StateObserving)
		}

		latency := time.Since(start)
		step.LatencyMs = latency.Milliseconds()
		step.TokenEstimate = e.encoder().Count(step.Thought + step.Observation)

		if err := r.rec.Append(step); err != nil {
			stepSpan.End()
			return err
		}
		stepSpan.End()

		e.obs().GetMetrics().RecordStep(r.policy.Name, step.ToolName(), latency)
		r.log.LogStep(ctx, r.id, index, step.ToolName(), step.Error, latency)

		if r.state == StateFinished {
			return nil
		}

		// OBSERVING: stall first, then budget.
		steps := r.rec.Steps()
		switch {
		case stall.Stalled(steps):
			r.transition(StateStalled)
			r.reason = fmt.Sprintf("stalled: %d identical steps (%s)", stall.Window, describe(step))
		case len(steps) >= maxSteps:
			r.transition(StateMaxSteps)
			r.reason = fmt.Sprintf("max_steps reached (%d)", maxSteps)
		default:
			r.transition(StateThinking)
		}
	}
	return nil
}

// expired ends the run when its context is done. A run deadline maps to
// MAX_STEPS; cancellation from the caller is an error.
func (e *Engine) expired(parent, ctx context.Context, r *run) bool {
	if ctx.Err() == nil {
		return false
	}
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.transition(StateMaxSteps)
		r.reason = fmt.Sprintf("max_execution_time exceeded (%gs)", r.policy.Security.MaxExecutionTime)
		return true
	}
	r.transition(StateError)
	r.reason = fmt.Sprintf("cancelled: %v", parent.Err())
	return true
}

func (e *Engine) decide(ctx context.Context, r *run) (core.Decision, error) {
	ctx, span := e.obs().GetTracer().StartOracleSpan(ctx, r.policy.Model)
	defer span.End()

	req := core.DecisionRequest{
		RunID:  r.id,
		Task:   r.task,
		Policy: r.policy,
		Steps:  r.rec.Steps(),
	}

	start := time.Now()
	result, err := e.protection().ExecuteWithProtection(ctx, r.policy.Model, limiter.RetryConfigFromPolicy(r.policy.Retry),
		func(ctx context.Context) (interface{}, error) {
			return e.Oracle.Decide(ctx, req)
		})
	duration := time.Since(start)

	if err != nil {
		e.obs().RecordOracle(ctx, r.policy.Model, "error", duration, 0, r.id)
		tracing.RecordSpanError(span, err)
		return core.Decision{}, err
	}

	decision, ok := result.(core.Decision)
	if !ok {
		return core.Decision{}, fmt.Errorf("oracle returned %T", result)
	}
	if decision.Action != nil && decision.FinalAnswer != nil {
		return core.Decision{}, core.Fatal(errors.New("decision has both an action and a final answer"))
	}
	if decision.Action != nil && decision.Action.Tool == "" {
		return core.Decision{}, core.Fatal(errors.New("decision action has no tool"))
	}

	e.obs().RecordOracle(ctx, r.policy.Model, "ok", duration, decision.Tokens, r.id)
	tracing.RecordSpanSuccess(span)
	return decision, nil
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	r.log.Debug("state transition", "from", r.state.String(), "to", to.String())
	r.state = to
}

func describe(s core.Step) string {
	if s.Action == nil {
		return "no action"
	}
	return "tool " + s.Action.Tool
}
