package artifact

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

var (
	// ErrFinalized is returned by Append or Finalize once the trace is closed.
	ErrFinalized = errors.New("trace already finalized")
	// ErrNotFinalized is returned by Trace before Finalize.
	ErrNotFinalized = errors.New("trace not finalized")
)

// Recorder accumulates the steps of exactly one run. Steps are append-only
// and the trace is finalized exactly once.
type Recorder struct {
	mu     sync.Mutex
	trace  core.Trace
	masker core.Masker
	done   bool
	now    func() time.Time
}

// NewRecorder starts a trace for task under policy. masker may be nil.
func NewRecorder(runID string, task core.Task, policy core.Policy, masker core.Masker) *Recorder {
	r := &Recorder{masker: masker, now: time.Now}
	r.trace = core.Trace{
		RunID:     runID,
		TaskID:    task.ID,
		PolicyID:  policy.Name,
		Variant:   policy.Variant,
		Model:     policy.Model,
		Prompt:    r.mask(task.Prompt),
		Steps:     []core.Step{},
		StartedAt: r.now().UTC(),
	}
	return r
}

func (r *Recorder) mask(s string) string {
	if r.masker == nil || s == "" {
		return s
	}
	return r.masker.Mask(s)
}

func (r *Recorder) maskArgs(args map[string]any) map[string]any {
	if r.masker == nil || args == nil {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = r.mask(s)
			continue
		}
		out[k] = v
	}
	return out
}

// Append records the next step. Its index must equal the number of steps
// already recorded.
func (r *Recorder) Append(step core.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrFinalized
	}
	if step.Index != len(r.trace.Steps) {
		return fmt.Errorf("step index %d out of order, expected %d", step.Index, len(r.trace.Steps))
	}

	step.Thought = r.mask(step.Thought)
	step.Observation = r.mask(step.Observation)
	if step.Action != nil {
		step.Action = &core.Action{Tool: step.Action.Tool, Args: r.maskArgs(step.Action.Args)}
	}
	if step.Failure != nil {
		step.Failure = &core.ToolFailure{Kind: step.Failure.Kind, Message: r.mask(step.Failure.Message)}
	}
	r.trace.Steps = append(r.trace.Steps, step)
	return nil
}

// Finalize closes the trace with a terminal status and reason.
func (r *Recorder) Finalize(status core.Status, reason string, finalAnswer *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrFinalized
	}
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if reason == "" {
		reason = string(status)
	}

	r.trace.Status = status
	r.trace.Reason = r.mask(reason)
	if finalAnswer != nil {
		answer := r.mask(*finalAnswer)
		r.trace.FinalAnswer = &answer
	}
	r.trace.FinishedAt = r.now().UTC()
	r.trace.Summary = core.Summarize(r.trace.Steps)
	r.done = true
	return nil
}

// Steps returns a copy of the steps recorded so far.
func (r *Recorder) Steps() []core.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Step(nil), r.trace.Steps...)
}

// Len returns the number of recorded steps.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trace.Steps)
}

// Finalized reports whether Finalize has succeeded.
func (r *Recorder) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Trace returns the finalized trace.
func (r *Recorder) Trace() (*core.Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, ErrNotFinalized
	}
	t := r.trace
	t.Steps = make([]core.Step, len(r.trace.Steps))
	copy(t.Steps, r.trace.Steps)
	return &t, nil
}

var _ core.TraceRecorder = (*Recorder)(nil)
