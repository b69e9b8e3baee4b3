package artifact

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

func finishedTrace(t *testing.T, runID string) *core.Trace {
	t.Helper()
	r := NewRecorder(runID, testTask(), testPolicy(), nil)
	require.NoError(t, r.Append(core.Step{
		Index:       0,
		Thought:     "use calculator",
		Action:      &core.Action{Tool: "calculator", Args: map[string]any{"expression": "2+3"}},
		Observation: "5",
	}))
	require.NoError(t, r.Append(core.Step{
		Index:       1,
		Thought:     "try a file",
		Action:      &core.Action{Tool: "read_file", Args: map[string]any{"path": "../x"}},
		Observation: "error: path_violation: escapes sandbox",
		Failure:     &core.ToolFailure{Kind: core.FailurePathViolation, Message: "escapes sandbox"},
		Error:       true,
	}))
	answer := "The result is 5"
	require.NoError(t, r.Append(core.Step{Index: 2, Thought: "done", Observation: answer, Finish: true}))
	require.NoError(t, r.Finalize(core.StatusFinished, "final answer", &answer))
	trace, err := r.Trace()
	require.NoError(t, err)
	return trace
}

func TestFileSink_WritesTrace(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	trace := finishedTrace(t, "run-abc")

	require.NoError(t, sink.Write(context.Background(), trace))
	path := filepath.Join(dir, "runs", "run-abc", "trace.json")
	assert.Equal(t, path, sink.Path("run-abc"))

	got, err := ReadTrace(path)
	require.NoError(t, err)
	assert.Equal(t, trace.RunID, got.RunID)
	assert.Equal(t, trace.Status, got.Status)
	assert.Equal(t, trace.Summary, got.Summary)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, core.FailurePathViolation, got.Steps[1].Failure.Kind)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileSink_RejectsBadRunID(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	trace := finishedTrace(t, "run-abc")
	trace.RunID = "../escape"
	assert.Error(t, sink.Write(context.Background(), trace))
}

func TestHTTPSink_Protocol(t *testing.T) {
	var (
		mu      sync.Mutex
		paths   []string
		header  map[string]any
		final   map[string]any
		failed  atomic.Bool
		attempt atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		// first request fails once to exercise the retry path
		if attempt.Add(1) == 1 {
			failed.Store(true)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/runs":
			header = body
		case "/runs/run-http/finalize":
			final = body
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL+"/", srv.Client())
	require.NoError(t, sink.Write(context.Background(), finishedTrace(t, "run-http")))

	assert.True(t, failed.Load())
	assert.Equal(t, []string{
		"/runs",
		"/runs/run-http/steps",
		"/runs/run-http/steps",
		"/runs/run-http/steps",
		"/runs/run-http/finalize",
	}, paths)
	assert.Equal(t, "run-http", header["run_id"])
	assert.Equal(t, "Compute 2+3", header["task"])
	assert.Equal(t, "baseline", header["policy"])
	assert.Equal(t, "finished", final["status"])
	assert.Equal(t, "The result is 5", final["final_answer"])
	assert.Equal(t, float64(3), final["metrics"].(map[string]any)["steps"])
}

func TestHTTPSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, nil).Write(context.Background(), finishedTrace(t, "run-x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSQLiteSink_WriteAndQuery(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer sink.Close()
	ctx := context.Background()

	trace := finishedTrace(t, "run-sql")
	require.NoError(t, sink.Write(ctx, trace))
	// rewriting the same run replaces it
	require.NoError(t, sink.Write(ctx, trace))

	row, err := sink.GetRun(ctx, "run-sql")
	require.NoError(t, err)
	assert.Equal(t, "calc", row.TaskID)
	assert.Equal(t, core.StatusFinished, row.Status)
	assert.Equal(t, "The result is 5", row.FinalAnswer.String)
	assert.Equal(t, 3, row.Steps)

	stalled := finishedTrace(t, "run-stall")
	stalled.Status = core.StatusStalled
	require.NoError(t, sink.Write(ctx, stalled))

	counts, err := sink.CountByStatus(ctx, "baseline")
	require.NoError(t, err)
	assert.Equal(t, map[core.Status]int{core.StatusFinished: 1, core.StatusStalled: 1}, counts)
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSink(dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	s, err = OpenSink("file://"+dir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "runs", "r", "trace.json"), s.(*FileSink).Path("r"))

	s, err = OpenSink("http://collector:8080", nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSink{}, s)

	s, err = OpenSink("sqlite://"+filepath.Join(dir, "t.db"), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSink{}, s)
	require.NoError(t, s.Close())

	_, err = OpenSink("kafka://broker", nil)
	assert.Error(t, err)
	_, err = OpenSink("", nil)
	assert.Error(t, err)
}

type failingSink struct{ closed bool }

func (f *failingSink) Write(context.Context, *core.Trace) error { return assert.AnError }
func (f *failingSink) Close() error                               { f.closed = true; return nil }

func TestMultiSink(t *testing.T) {
	dir := t.TempDir()
	bad := &failingSink{}
	m := NewMultiSink(NewFileSink(dir), nil, bad)

	err := m.Write(context.Background(), finishedTrace(t, "run-m"))
	assert.ErrorIs(t, err, assert.AnError)
	assert.FileExists(t, filepath.Join(dir, "runs", "run-m", "trace.json"))

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
}
