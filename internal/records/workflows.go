package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// WorkflowRun is one workflow run row.
type WorkflowRun struct {
	ID          string
	WorkflowID  string
	WorkspaceID string
	UserID      string
	Status      string
	Variables   map[string]string
	StepResults json.RawMessage
	FinalError  string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// InsertWorkflowRun persists a run row in status "pending".
func (s *Store) InsertWorkflowRun(ctx context.Context, r WorkflowRun) error {
	varsJSON, err := json.Marshal(r.Variables)
	if err != nil {
		return errs.Backend(err, "marshal run variables")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, workspace_id, user_id, status, variables, step_results)
		VALUES ($1,$2,$3,$4,$5,$6,'[]')`,
		r.ID, r.WorkflowID, r.WorkspaceID, r.UserID, r.Status, varsJSON)
	if err != nil {
		return errs.Backend(err, "insert workflow run %s", r.ID)
	}
	return nil
}

// UpdateWorkflowRunStatus transitions a run's status and persists its
// accumulated StepResults and timestamps.
func (s *Store) UpdateWorkflowRunStatus(ctx context.Context, id, status string, stepResults json.RawMessage, finalError string, startedAt, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status=$2, step_results=$3, final_error=$4, started_at=COALESCE($5, started_at), completed_at=$6
		WHERE id=$1`,
		id, status, stepResults, finalError, startedAt, completedAt)
	if err != nil {
		return errs.Backend(err, "update workflow run %s", id)
	}
	return nil
}

// GetWorkflowRun fetches one run row, used by GetRunStatus's fallback
// path when the in-process map has no entry.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workspace_id, user_id, status, variables, step_results, final_error, started_at, completed_at
		FROM workflow_runs WHERE id=$1`, id)

	var r WorkflowRun
	var varsJSON []byte
	var finalError sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkspaceID, &r.UserID, &r.Status, &varsJSON, &r.StepResults, &finalError, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("workflow run %s", id)
		}
		return nil, errs.Backend(err, "get workflow run %s", id)
	}
	if len(varsJSON) > 0 {
		_ = json.Unmarshal(varsJSON, &r.Variables)
	}
	r.FinalError = finalError.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// WorkflowDefinitionRow is the persisted shape of a workflow definition;
// the nested step tree is stored as JSON since nothing here queries into
// individual steps.
type WorkflowDefinitionRow struct {
	ID          string
	WorkspaceID string
	Name        string
	StepsJSON   json.RawMessage
	EnvJSON     json.RawMessage
}

// GetWorkflowDefinition fetches a workflow definition row by id.
func (s *Store) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinitionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, name, steps, env FROM workflow_definitions WHERE id=$1`, id)
	var d WorkflowDefinitionRow
	if err := row.Scan(&d.ID, &d.WorkspaceID, &d.Name, &d.StepsJSON, &d.EnvJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("workflow definition %s", id)
		}
		return nil, errs.Backend(err, "get workflow definition %s", id)
	}
	return &d, nil
}

// InsertWorkflowDefinition persists a new workflow definition.
func (s *Store) InsertWorkflowDefinition(ctx context.Context, d WorkflowDefinitionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, workspace_id, name, steps, env) VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.WorkspaceID, d.Name, d.StepsJSON, d.EnvJSON)
	if err != nil {
		return errs.Backend(err, "insert workflow definition %s", d.ID)
	}
	return nil
}
