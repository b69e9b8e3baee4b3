package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/llm/mock"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

func newBus(t *testing.T) *tools.Bus {
	t.Helper()
	sb, err := tools.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return tools.NewBus(tools.NewRegistry().MustRegister(tools.Builtins(nil)...), sb, nil)
}

func policy(maxSteps int, allowed ...string) core.Policy {
	if len(allowed) == 0 {
		allowed = []string{"calculator", "read_file", "write_file", "list_dir", "web_search"}
	}
	return core.Policy{
		Version:  "v1",
		Name:     "p",
		Variant:  core.VariantSimple,
		Model:    "mock",
		MaxSteps: maxSteps,
		Security: core.SecurityPolicy{AllowedTools: allowed, MaxExecutionTime: 10, ToolTimeout: 2},
		Retry:    core.RetryPolicy{MaxRetries: 3, BaseDelayMs: 1, MaxDelayMs: 5},
	}
}

func task(prompt string) core.Task {
	return core.Task{ID: "case-1", Prompt: prompt}
}

func assertContiguous(t *testing.T, tr *core.Trace) {
	t.Helper()
	for i, s := range tr.Steps {
		assert.Equal(t, i, s.Index)
	}
	assert.True(t, tr.Status.Terminal())
	assert.NotEmpty(t, tr.Reason)
	assert.Equal(t, len(tr.Steps), tr.Summary.Steps)
}

func TestEngine_FinishesWithRuleOracle(t *testing.T) {
	e := NewEngine(mock.NewRuleOracle(), newBus(t))

	tr, err := e.Run(context.Background(), task("What is 2 + 3?"), policy(8))
	require.NoError(t, err)
	assertContiguous(t, tr)

	assert.Equal(t, core.StatusFinished, tr.Status)
	assert.Equal(t, "The result is 5", tr.Answer())
	require.Len(t, tr.Steps, 2)
	assert.Equal(t, "calculator", tr.Steps[0].ToolName())
	assert.Equal(t, "5", tr.Steps[0].Observation)
	assert.True(t, tr.Steps[1].Finish)
	assert.Nil(t, tr.Steps[1].Action)
	assert.Equal(t, 1, tr.Summary.ToolCalls)
	assert.Equal(t, 0, tr.Summary.ToolErrors)
	assert.NotEmpty(t, tr.RunID)
	assert.Equal(t, "p", tr.PolicyID)
}

func TestEngine_DeliberateVariantPlansFirst(t *testing.T) {
	e := NewEngine(mock.NewRuleOracle(), newBus(t))
	p := policy(8)
	p.Variant = core.VariantDeliberate

	tr, err := e.Run(context.Background(), task("What is the capital of France?"), p)
	require.NoError(t, err)
	assertContiguous(t, tr)

	require.Len(t, tr.Steps, 3)
	assert.Nil(t, tr.Steps[0].Action)
	assert.False(t, tr.Steps[0].Finish)
	assert.Equal(t, "web_search", tr.Steps[1].ToolName())
	assert.Equal(t, core.StatusFinished, tr.Status)
	assert.Equal(t, "Paris is the capital of France.", tr.Answer())
}

func TestEngine_MaxStepsGivesExactlyThreeSteps(t *testing.T) {
	// Distinct expressions keep the stall detector quiet.
	oracle := core.OracleFunc(func(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
		expr := fmt.Sprintf("%d + 1", len(req.Steps))
		return core.Act("keep counting", "calculator", map[string]any{"expression": expr}), nil
	})
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(context.Background(), task("count"), policy(3))
	require.NoError(t, err)
	assertContiguous(t, tr)

	assert.Equal(t, core.StatusMaxSteps, tr.Status)
	assert.Len(t, tr.Steps, 3)
	assert.Nil(t, tr.FinalAnswer)
	assert.Contains(t, tr.Reason, "max_steps")
}

func TestEngine_StallFiresAtThirdRepetition(t *testing.T) {
	oracle := mock.Decisions(core.Act("again", "calculator", map[string]any{"expression": "1 + 1"}))
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(context.Background(), task("loop"), policy(8))
	require.NoError(t, err)
	assertContiguous(t, tr)

	assert.Equal(t, core.StatusStalled, tr.Status)
	assert.Len(t, tr.Steps, 3)
	assert.Contains(t, tr.Reason, "stalled")
}

func TestEngine_StallTakesPrecedenceOverBudget(t *testing.T) {
	oracle := mock.Decisions(core.Act("again", "calculator", map[string]any{"expression": "1 + 1"}))
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(context.Background(), task("loop"), policy(3))
	require.NoError(t, err)
	assert.Equal(t, core.StatusStalled, tr.Status)
	assert.Len(t, tr.Steps, 3)
}

func TestEngine_PolicyViolationIsObservedNotFatal(t *testing.T) {
	e := NewEngine(mock.NewRuleOracle(), newBus(t))

	tr, err := e.Run(context.Background(), task("What is 2 + 3?"), policy(8, "web_search"))
	require.NoError(t, err)
	assertContiguous(t, tr)

	// The rule oracle repeats the refused call until the loop stalls.
	assert.Equal(t, core.StatusStalled, tr.Status)
	require.Len(t, tr.Steps, 3)
	for _, s := range tr.Steps {
		require.NotNil(t, s.Failure)
		assert.Equal(t, core.FailurePolicyViolation, s.Failure.Kind)
		assert.True(t, s.Error)
	}
	assert.Equal(t, 3, tr.Summary.ToolErrors)
}

func TestEngine_OracleFatalError(t *testing.T) {
	oracle := mock.NewScripted(mock.Reply{Err: core.Fatal(errors.New("malformed response"))})
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(context.Background(), task("x"), policy(8))
	require.NoError(t, err)
	assertContiguous(t, tr)

	assert.Equal(t, core.StatusError, tr.Status)
	assert.Contains(t, tr.Reason, "malformed response")
	assert.Empty(t, tr.Steps)
	assert.Nil(t, tr.FinalAnswer)
}

func TestEngine_OracleTransientErrorsAreRetried(t *testing.T) {
	flaky := &mock.Flaky{
		Oracle:   mock.NewRuleOracle(),
		Failures: 2,
		Err:      core.Transient(errors.New("upstream 503")),
	}
	e := NewEngine(flaky, newBus(t))

	tr, err := e.Run(context.Background(), task("What is 2 + 3?"), policy(8))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, tr.Status)
	assert.Equal(t, int64(4), flaky.Calls())
}

func TestEngine_OracleRetriesExhausted(t *testing.T) {
	flaky := &mock.Flaky{
		Oracle:   mock.NewRuleOracle(),
		Failures: 100,
		Err:      core.Transient(errors.New("upstream 503")),
	}
	e := NewEngine(flaky, newBus(t))
	p := policy(8)
	p.Retry.MaxRetries = 2

	tr, err := e.Run(context.Background(), task("x"), p)
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, tr.Status)
	assert.Contains(t, tr.Reason, "max retries exceeded")
	assert.Equal(t, int64(3), flaky.Calls())
}

func TestEngine_ToolsAreNeverRetried(t *testing.T) {
	var calls atomic.Int32
	flaky := &tools.Capability{
		Name: "flaky",
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			calls.Add(1)
			return "", core.Transient(errors.New("temporary"))
		},
	}
	sb, err := tools.NewSandbox(t.TempDir())
	require.NoError(t, err)
	bus := tools.NewBus(tools.NewRegistry().MustRegister(flaky), sb, nil)

	oracle := mock.NewScripted(
		mock.Reply{Decision: core.Act("try", "flaky", nil)},
		mock.Reply{Decision: core.Finish("give up", "failed")},
	)
	e := NewEngine(oracle, bus)

	tr, err := e.Run(context.Background(), task("x"), policy(8, "flaky"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, tr.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, tr.Steps[0].Error)
}

func TestEngine_MaxExecutionTime(t *testing.T) {
	oracle := core.OracleFunc(func(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
		<-ctx.Done()
		return core.Decision{}, ctx.Err()
	})
	e := NewEngine(oracle, newBus(t))
	p := policy(8)
	p.Security.MaxExecutionTime = 0.05

	start := time.Now()
	tr, err := e.Run(context.Background(), task("slow"), p)
	require.NoError(t, err)
	assertContiguous(t, tr)

	assert.Equal(t, core.StatusMaxSteps, tr.Status)
	assert.Equal(t, "max_execution_time exceeded (0.05s)", tr.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEngine_CallerCancellationIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oracle := core.OracleFunc(func(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
		cancel()
		<-ctx.Done()
		return core.Decision{}, ctx.Err()
	})
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(ctx, task("x"), policy(8))
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, tr.Status)
	assert.Contains(t, tr.Reason, "cancelled")
}

func TestEngine_RejectsAmbiguousDecision(t *testing.T) {
	answer := "both"
	oracle := mock.Decisions(core.Decision{
		Thought:     "confused",
		Action:      &core.Action{Tool: "calculator"},
		FinalAnswer: &answer,
	})
	e := NewEngine(oracle, newBus(t))

	tr, err := e.Run(context.Background(), task("x"), policy(8))
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, tr.Status)
	assert.Empty(t, tr.Steps)
}

func TestEngine_StepsRecordLatencyAndTokens(t *testing.T) {
	e := NewEngine(mock.NewRuleOracle(), newBus(t))

	tr, err := e.Run(context.Background(), task("What is 2 + 3?"), policy(8))
	require.NoError(t, err)

	total := 0
	for _, s := range tr.Steps {
		assert.GreaterOrEqual(t, s.LatencyMs, int64(0))
		assert.Equal(t, len(s.Thought+s.Observation)/4, s.TokenEstimate)
		total += s.TokenEstimate
	}
	assert.Equal(t, total, tr.Summary.TokenEstimate)
}

func TestEngine_MasksSecrets(t *testing.T) {
	secret := "sk-live-0123456789abcdefXYZ"
	redactor := logging.NewRedactor(secret)

	e := NewEngine(mock.NewRuleOracle(), newBus(t))
	e.Masker = redactor

	tr, err := e.Run(context.Background(), task("Write '"+secret+"' to key.txt"), policy(8))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, tr.Status)

	assert.NotContains(t, tr.Prompt, secret)
	for _, s := range tr.Steps {
		assert.NotContains(t, s.Thought, secret)
		assert.NotContains(t, s.Observation, secret)
		if s.Action != nil {
			for _, v := range s.Action.Args {
				assert.NotContains(t, fmt.Sprint(v), secret)
			}
		}
	}
}

func TestEngine_FixedRunID(t *testing.T) {
	e := NewEngine(mock.NewRuleOracle(), newBus(t))
	e.NewRunID = func() string { return "run-42" }

	tr, err := e.Run(context.Background(), task("hi"), policy(8))
	require.NoError(t, err)
	assert.Equal(t, "run-42", tr.RunID)
	assert.Equal(t, core.StatusFinished, tr.Status)
	assert.Equal(t, mock.DefaultAnswer, tr.Answer())
}

func TestState(t *testing.T) {
	assert.False(t, StateThinking.Terminal())
	assert.False(t, StateObserving.Terminal())
	assert.True(t, StateStalled.Terminal())
	assert.Equal(t, core.StatusMaxSteps, StateMaxSteps.Status())
	assert.Equal(t, core.StatusError, StateError.Status())
	assert.Equal(t, "OBSERVING", StateObserving.String())
}
