package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/maestro/internal/workflow"
)

type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Trigger     string     `json:"trigger"`
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	Input       string     `json:"input"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type RunStep struct {
	Seq        int    `json:"seq"`
	Step       string `json:"step"`
	Kind       string `json:"kind"`
	Agent      string `json:"agent,omitempty"`
	Input      string `json:"input"`
	Output     string `json:"output"`
	Next       string `json:"next,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

const runColumns = `id, workflow, triggered_by, status, dry_run, input, output, error, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	r := &Run{}
	var input, output, errText sql.NullString
	err := scanner.Scan(&r.ID, &r.Workflow, &r.Trigger, &r.Status, &r.DryRun, &input, &output, &errText, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Input = input.String
	r.Output = output.String
	r.Error = errText.String
	return r, nil
}

// Publish records engine events: run_started opens a run, step events add
// trace rows and the terminal events close the run.
func (s *Store) Publish(_ context.Context, ev workflow.Event) {
	var err error
	switch ev.Type {
	case workflow.EventRunStarted:
		err = s.startRun(ev)
	case workflow.EventStepCompleted, workflow.EventStepFailed:
		err = s.addStep(ev)
	case workflow.EventExceptionHandled:
		_, err = s.db.Exec(`UPDATE runs SET error = ? WHERE id = ?`, ev.Error, ev.RunID)
	case workflow.EventRunCompleted, workflow.EventRunFailed:
		err = s.finishRun(ev)
	}
	if err != nil {
		slog.Error("record run event failed", "run", ev.RunID, "type", ev.Type, "error", err)
	}
}

func (s *Store) startRun(ev workflow.Event) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, workflow, triggered_by, status, dry_run, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Workflow, ev.Trigger, workflow.StatusRunning, ev.DryRun, ev.Input, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (s *Store) addStep(ev workflow.Event) error {
	status := "completed"
	if ev.Type == workflow.EventStepFailed {
		status = "failed"
	}
	_, err := s.db.Exec(`
		INSERT INTO run_steps (run_id, seq, step, kind, agent, input, output, next, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Step, string(ev.Kind), ev.Agent, ev.Input, ev.Output, ev.Next, status, ev.Error, ev.DurationMs)
	if err != nil {
		return fmt.Errorf("add run step: %w", err)
	}
	return nil
}

func (s *Store) finishRun(ev workflow.Event) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, output = ?,
		    error = CASE WHEN ? != '' THEN ? ELSE error END,
		    completed_at = ?
		WHERE id = ?`,
		ev.Status, ev.Output, ev.Error, ev.Error, ev.Time.UTC(), ev.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. An empty workflow lists runs
// of every workflow; limit <= 0 means no limit.
func (s *Store) ListRuns(workflowName string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE ? = '' OR workflow = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, workflowName, workflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) ListRunSteps(runID string) ([]RunStep, error) {
	rows, err := s.db.Query(`
		SELECT seq, step, kind, agent, input, output, next, status, error, duration_ms
		FROM run_steps WHERE run_id = ? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		var st RunStep
		var agent, input, output, next, errText sql.NullString
		if err := rows.Scan(&st.Seq, &st.Step, &st.Kind, &agent, &input, &output, &next, &st.Status, &errText, &st.DurationMs); err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		st.Agent = agent.String
		st.Input = input.String
		st.Output = output.String
		st.Next = next.String
		st.Error = errText.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}
