package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Reply is one scripted oracle answer.
type Reply struct {
	Decision core.Decision
	Err      error
}

// Scripted replays replies by step index: the request with n steps gets
// replies[n], and the last reply repeats once the script is exhausted.
// It keeps no per-run state, so one instance can serve many runs.
type Scripted struct {
	replies []Reply
}

// NewScripted builds a scripted oracle.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Decisions builds a script of plain decisions.
func Decisions(ds ...core.Decision) *Scripted {
	replies := make([]Reply, len(ds))
	for i, d := range ds {
		replies[i] = Reply{Decision: d}
	}
	return NewScripted(replies...)
}

// Decide implements core.Oracle.
func (s *Scripted) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	if err := ctx.Err(); err != nil {
		return core.Decision{}, err
	}
	if len(s.replies) == 0 {
		return core.Finish("empty script", DefaultAnswer), nil
	}
	i := len(req.Steps)
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	r := s.replies[i]
	return r.Decision, r.Err
}

// PerTask routes each task id to its own oracle, falling back to Default.
type PerTask struct {
	mu      sync.RWMutex
	oracles map[string]core.Oracle
	Default core.Oracle
}

// NewPerTask creates a router with a fallback oracle.
func NewPerTask(fallback core.Oracle) *PerTask {
	return &PerTask{oracles: make(map[string]core.Oracle), Default: fallback}
}

// Route assigns an oracle to a task id.
func (p *PerTask) Route(taskID string, o core.Oracle) *PerTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oracles[taskID] = o
	return p
}

// Decide implements core.Oracle.
func (p *PerTask) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	p.mu.RLock()
	o, ok := p.oracles[req.Task.ID]
	p.mu.RUnlock()
	if !ok {
		o = p.Default
	}
	return o.Decide(ctx, req)
}

// Flaky fails the first Failures calls with err before delegating.
type Flaky struct {
	Oracle   core.Oracle
	Failures int64
	Err      error
	calls    atomic.Int64
}

// Decide implements core.Oracle.
func (f *Flaky) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	if f.calls.Add(1) <= f.Failures {
		return core.Decision{}, f.Err
	}
	return f.Oracle.Decide(ctx, req)
}

// Calls returns how many times Decide ran.
func (f *Flaky) Calls() int64 {
	return f.calls.Load()
}

// Panicking panics on every call.
type Panicking struct {
	Message string
}

// Decide implements core.Oracle.
func (p Panicking) Decide(context.Context, core.DecisionRequest) (core.Decision, error) {
	panic(p.Message)
}
