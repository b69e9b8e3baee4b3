package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// SQLiteSink stores traces in runs and steps tables.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path. ":memory:" works
// for tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task TEXT NOT NULL,
		policy TEXT NOT NULL,
		variant TEXT,
		model TEXT,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		final_answer TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		metrics_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		step_no INTEGER NOT NULL,
		thought TEXT,
		action TEXT,
		action_input TEXT,
		observation TEXT,
		error TEXT,
		finish INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL,
		token_estimate INTEGER NOT NULL,
		UNIQUE(run_id, step_no)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_policy ON runs(policy);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// Write implements core.Sink. A run is stored in one transaction and
// rewriting the same run id replaces it.
func (s *SQLiteSink) Write(ctx context.Context, trace *core.Trace) error {
	metrics, err := json.Marshal(trace.Summary)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id = ?`, trace.RunID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO runs (
		run_id, task_id, task, policy, variant, model, status, reason,
		final_answer, started_at, finished_at, metrics_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.RunID, trace.TaskID, trace.Prompt, trace.PolicyID, trace.Variant, trace.Model,
		string(trace.Status), trace.Reason, trace.FinalAnswer,
		trace.StartedAt, trace.FinishedAt, string(metrics),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO steps (
		run_id, step_no, thought, action, action_input, observation, error,
		finish, latency_ms, token_estimate
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range trace.Steps {
		var action, input, failure sql.NullString
		if st.Action != nil {
			action = sql.NullString{String: st.Action.Tool, Valid: true}
			if b, err := json.Marshal(st.Action.Args); err == nil {
				input = sql.NullString{String: string(b), Valid: true}
			}
		}
		if st.Failure != nil {
			failure = sql.NullString{String: st.Failure.Error(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			trace.RunID, st.Index, st.Thought, action, input, st.Observation, failure,
			st.Finish, st.LatencyMs, st.TokenEstimate,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	return tx.Commit()
}

// RunRow is a stored run header.
type RunRow struct {
	RunID       string
	TaskID      string
	Policy      string
	Status      core.Status
	Reason      string
	FinalAnswer sql.NullString
	Steps       int
}

// GetRun loads a run header and its step count.
func (s *SQLiteSink) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	var r RunRow
	var status string
	err := s.db.QueryRowContext(ctx, `
	SELECT r.run_id, r.task_id, r.policy, r.status, r.reason, r.final_answer,
		(SELECT COUNT(*) FROM steps s WHERE s.run_id = r.run_id)
	FROM runs r WHERE r.run_id = ?`, runID).
		Scan(&r.RunID, &r.TaskID, &r.Policy, &status, &r.Reason, &r.FinalAnswer, &r.Steps)
	if err != nil {
		return nil, err
	}
	r.Status = core.Status(status)
	return &r, nil
}

// CountByStatus returns run counts per status for one policy.
func (s *SQLiteSink) CountByStatus(ctx context.Context, policy string) (map[core.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs WHERE policy = ? GROUP BY status`, policy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[core.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[core.Status(status)] = n
	}
	return out, rows.Err()
}

// Close implements core.Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
