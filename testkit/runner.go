package testkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/artifact"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/observability"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/worker/tools"
)

// DefaultConcurrency is the pool size when none is configured.
const DefaultConcurrency = 4

// Unit is one (task, policy) execution.
type Unit struct {
	Task   core.Task
	Policy core.Policy
}

// Result is the outcome of one unit.
type Result struct {
	Unit
	Trace *core.Trace
	// Dir is the unit's sandbox and output directory, empty when the
	// unit never got one.
	Dir string
}

// Progress is called once per completed unit. Calls are serialised.
type Progress func(done, total int, r Result)

// OracleFor selects the oracle serving a policy.
type OracleFor func(core.Policy) (core.Oracle, error)

// Runner executes units on a bounded pool. Every unit gets its own engine
// copy, recorder and sandbox below the bus sandbox root:
// <root>/<policy>/<task>/ (see UnitDir). Shared between units are the bus registry and
// write locks, the oracle guard and observability.
type Runner struct {
	Base        *worker.Engine
	Bus         *tools.Bus
	Oracles     OracleFor
	Concurrency int
	Sink        core.Sink
	OnProgress  Progress
	WriteTraces bool // write trace.json into each unit directory
}

// NewRunner creates a runner. base supplies the shared guard, token
// estimator and observability; its Oracle and Tools are replaced per unit.
func NewRunner(base *worker.Engine, bus *tools.Bus, oracles OracleFor) *Runner {
	return &Runner{Base: base.Prepare(), Bus: bus, Oracles: oracles, Concurrency: DefaultConcurrency, WriteTraces: true}
}

// Units enumerates task x policy pairs, policy-major.
func Units(tasks []core.Task, policies []core.Policy) []Unit {
	units := make([]Unit, 0, len(tasks)*len(policies))
	for _, p := range policies {
		for _, t := range tasks {
			units = append(units, Unit{Task: t, Policy: p})
		}
	}
	return units
}

// Run executes every unit and returns results in input order. A unit that
// fails or panics yields an error trace; Run itself only fails on invalid
// configuration.
func (r *Runner) Run(ctx context.Context, units []Unit) ([]Result, error) {
	if r.Base == nil || r.Bus == nil || r.Oracles == nil {
		return nil, errors.New("runner needs an engine, a tool bus and an oracle selector")
	}
	if err := checkUnitDirs(units); err != nil {
		return nil, err
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	results := make([]Result, len(units))
	var (
		mu   sync.Mutex
		done int
	)

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, u := range units {
		g.Go(func() error {
			res := r.runUnit(ctx, u)
			results[i] = res

			if r.OnProgress != nil {
				mu.Lock()
				done++
				r.OnProgress(done, len(units), res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (r *Runner) runUnit(ctx context.Context, u Unit) (res Result) {
	obs := r.obs()
	runID := r.runID()
	res = Result{Unit: u}

	obs.GetMetrics().UnitStarted()
	faulted := false
	defer func() {
		if p := recover(); p != nil {
			obs.GetLogger().Error("unit panicked",
				"run_id", runID, "task_id", u.Task.ID, "policy", u.Policy.Name,
				"panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			res.Trace = r.faultTrace(runID, u, fmt.Sprintf("panic: %v", p))
			faulted = true
		}
		obs.GetMetrics().UnitDone(faulted)
		r.persist(ctx, res)
	}()

	trace, dir, err := r.execute(ctx, runID, u)
	res.Dir = dir
	if err != nil {
		obs.GetLogger().Error("unit failed", "run_id", runID, "task_id", u.Task.ID, "policy", u.Policy.Name, "error", err)
		res.Trace = r.faultTrace(runID, u, err.Error())
		faulted = true
		return res
	}
	res.Trace = trace
	return res
}

func (r *Runner) execute(ctx context.Context, runID string, u Unit) (*core.Trace, string, error) {
	sb, err := r.Bus.Sandbox().Sub(UnitDir(u))
	if err != nil {
		return nil, "", fmt.Errorf("unit sandbox: %w", err)
	}
	oracle, err := r.Oracles(u.Policy)
	if err != nil {
		return nil, sb.Root(), fmt.Errorf("oracle for %s: %w", u.Policy.Model, err)
	}

	engine := *r.Base
	engine.Oracle = oracle
	engine.Tools = r.Bus.WithSandbox(sb)

	trace, err := engine.RunWithID(ctx, runID, u.Task, u.Policy)
	if err != nil {
		return nil, sb.Root(), err
	}
	return trace, sb.Root(), nil
}

// faultTrace records a unit-boundary fault as a zero-step error trace.
func (r *Runner) faultTrace(runID string, u Unit, reason string) *core.Trace {
	rec := artifact.NewRecorder(runID, u.Task, u.Policy, r.Base.Masker)
	_ = rec.Finalize(core.StatusError, "fault: "+reason, nil)
	trace, _ := rec.Trace()
	return trace
}

func (r *Runner) persist(ctx context.Context, res Result) {
	if res.Trace == nil {
		return
	}
	log := r.obs().GetLogger()
	if r.WriteTraces && res.Dir != "" {
		if err := artifact.WriteJSON(filepath.Join(res.Dir, "trace.json"), res.Trace); err != nil {
			log.Warn("failed to write trace", "run_id", res.Trace.RunID, "error", err)
		}
	}
	if r.Sink != nil {
		if err := r.Sink.Write(context.WithoutCancel(ctx), res.Trace); err != nil {
			log.Warn("sink write failed", "run_id", res.Trace.RunID, "error", err)
		}
	}
}

func (r *Runner) obs() *observability.Manager {
	if r.Base.Obs == nil {
		return observability.NewNop()
	}
	return r.Base.Obs
}

func (r *Runner) runID() string {
	if r.Base.NewRunID != nil {
		return r.Base.NewRunID()
	}
	return uuid.NewString()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName turns an id into a single path element.
func SafeName(id string) string {
	s := unsafeChars.ReplaceAllString(id, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// DirName maps an id to a directory name. Ids that are already safe are
// kept; any other id gets a short hash of its raw form appended so that
// distinct ids never share a directory.
func DirName(id string) string {
	safe := SafeName(id)
	if safe == id {
		return safe
	}
	sum := sha256.Sum256([]byte(id))
	return safe + "-" + hex.EncodeToString(sum[:4])
}

// UnitDir is the unit's directory relative to the sandbox root.
func UnitDir(u Unit) string {
	return filepath.Join(DirName(u.Policy.Name), DirName(u.Task.ID))
}

func checkUnitDirs(units []Unit) error {
	seen := make(map[string]Unit, len(units))
	var errs []error
	for _, u := range units {
		dir := UnitDir(u)
		if prev, dup := seen[dir]; dup {
			errs = append(errs, fmt.Errorf("units %s/%s and %s/%s share directory %s",
				prev.Policy.Name, prev.Task.ID, u.Policy.Name, u.Task.ID, dir))
			continue
		}
		seen[dir] = u
	}
	return errors.Join(errs...)
}

// Score evaluates every result in order.
func Score(results []Result, e Evaluator) []core.Verdict {
	verdicts := make([]core.Verdict, len(results))
	for i, res := range results {
		verdicts[i] = e.Score(res.Trace, res.Task, res.Dir)
	}
	return verdicts
}
