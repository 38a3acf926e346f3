package records

import (
	"context"
	"encoding/json"

	"github.com/termflux/termflux/internal/workflow"
)

// WorkflowRepo adapts Store to internal/workflow.Repo, the same
// separation-of-concerns split as SecretRepo: internal/workflow owns run
// semantics, this file only knows how to shuttle rows.
type WorkflowRepo struct {
	store *Store
}

func NewWorkflowRepo(store *Store) *WorkflowRepo {
	return &WorkflowRepo{store: store}
}

func (r *WorkflowRepo) GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	row, err := r.store.GetWorkflowDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var def workflow.Definition
	def.ID, def.WorkspaceID, def.Name = row.ID, row.WorkspaceID, row.Name
	if len(row.StepsJSON) > 0 {
		if err := json.Unmarshal(row.StepsJSON, &def.Steps); err != nil {
			return nil, err
		}
	}
	if len(row.EnvJSON) > 0 {
		_ = json.Unmarshal(row.EnvJSON, &def.Env)
	}
	return &def, nil
}

func (r *WorkflowRepo) InsertRun(ctx context.Context, run workflow.Run) error {
	return r.store.InsertWorkflowRun(ctx, WorkflowRun{
		ID:          run.ID,
		WorkflowID:  run.WorkflowID,
		WorkspaceID: run.WorkspaceID,
		UserID:      run.UserID,
		Status:      string(run.Status),
		Variables:   run.Variables,
	})
}

func (r *WorkflowRepo) UpdateRunStatus(ctx context.Context, run workflow.Run) error {
	results, err := workflow.MarshalStepResults(run.Results)
	if err != nil {
		return err
	}
	return r.store.UpdateWorkflowRunStatus(ctx, run.ID, string(run.Status), results, run.FinalError, run.StartedAt, run.CompletedAt)
}

func (r *WorkflowRepo) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	row, err := r.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := &workflow.Run{
		ID:          row.ID,
		WorkflowID:  row.WorkflowID,
		WorkspaceID: row.WorkspaceID,
		UserID:      row.UserID,
		Status:      workflow.RunStatus(row.Status),
		Variables:   row.Variables,
		FinalError:  row.FinalError,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.StepResults) > 0 {
		_ = json.Unmarshal(row.StepResults, &run.Results)
	}
	return run, nil
}

var _ workflow.Repo = (*WorkflowRepo)(nil)
