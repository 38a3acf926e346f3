package workflow

import (
	"context"
	"sync"

	"github.com/termflux/termflux/internal/errs"
)

// MockRepo is an in-memory Repo for tests.
type MockRepo struct {
	mu   sync.Mutex
	defs map[string]Definition
	runs map[string]Run
}

func NewMockRepo() *MockRepo {
	return &MockRepo{defs: map[string]Definition{}, runs: map[string]Run{}}
}

func (r *MockRepo) PutDefinition(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
}

func (r *MockRepo) GetDefinition(ctx context.Context, workflowID string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[workflowID]
	if !ok {
		return nil, errs.NotFound("workflow %s", workflowID)
	}
	cp := d
	return &cp, nil
}

func (r *MockRepo) InsertRun(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *MockRepo) UpdateRunStatus(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *MockRepo) GetRun(ctx context.Context, runID string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, errs.NotFound("workflow run %s", runID)
	}
	cp := run
	return &cp, nil
}

var _ Repo = (*MockRepo)(nil)
