package provisioner

import (
	"context"
	"sync"

	"github.com/termflux/termflux/internal/errs"
)

// MockRepo is an in-memory Repo for tests.
type MockRepo struct {
	mu sync.Mutex

	apps           map[string]App
	installs       map[string][]string // workspaceID -> appIDs
	statuses       map[string]string   // workspaceID -> status
	activeSessions map[string]int
}

func NewMockRepo() *MockRepo {
	return &MockRepo{
		apps:           map[string]App{},
		installs:       map[string][]string{},
		statuses:       map[string]string{},
		activeSessions: map[string]int{},
	}
}

func (r *MockRepo) PutApp(a App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[a.ID] = a
}

func (r *MockRepo) SetActiveSessions(workspaceID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSessions[workspaceID] = n
}

func (r *MockRepo) InsertWorkspace(ctx context.Context, id, displayName, userID, orgID string, cpuCores float64, memoryMiB, diskMiB int64, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = "provisioning"
	return nil
}

func (r *MockRepo) UpdateWorkspaceStatus(ctx context.Context, id, status, containerHandle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	return nil
}

func (r *MockRepo) Status(workspaceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[workspaceID]
	return s, ok
}

func (r *MockRepo) GetApp(ctx context.Context, appID string) (App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.apps[appID]
	if !ok {
		return App{}, errs.NotFound("app %s", appID)
	}
	return a, nil
}

func (r *MockRepo) RecordAppInstall(ctx context.Context, workspaceID, appID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installs[workspaceID] = append(r.installs[workspaceID], appID)
	return nil
}

func (r *MockRepo) Installs(workspaceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.installs[workspaceID]))
	copy(out, r.installs[workspaceID])
	return out
}

func (r *MockRepo) CountActiveSessions(ctx context.Context, workspaceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeSessions[workspaceID], nil
}

func (r *MockRepo) TerminateWorkspaceSessions(ctx context.Context, workspaceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.activeSessions[workspaceID]
	r.activeSessions[workspaceID] = 0
	return n, nil
}

var _ Repo = (*MockRepo)(nil)
