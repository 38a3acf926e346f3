package provisioner

import (
	"context"

	"github.com/termflux/termflux/internal/records"
)

// StoreRepo adapts records.Store to provisioner.Repo.
type StoreRepo struct {
	store *records.Store
}

func NewStoreRepo(store *records.Store) *StoreRepo {
	return &StoreRepo{store: store}
}

func (r *StoreRepo) InsertWorkspace(ctx context.Context, id, displayName, userID, orgID string, cpuCores float64, memoryMiB, diskMiB int64, env map[string]string) error {
	return r.store.InsertWorkspace(ctx, records.Workspace{
		ID:          id,
		DisplayName: displayName,
		UserID:      userID,
		OrgID:       orgID,
		Status:      "provisioning",
		CPUCores:    cpuCores,
		MemoryMiB:   memoryMiB,
		DiskMiB:     diskMiB,
		Env:         env,
	})
}

func (r *StoreRepo) UpdateWorkspaceStatus(ctx context.Context, id, status, containerHandle string) error {
	return r.store.UpdateWorkspaceStatus(ctx, id, status, containerHandle)
}

func (r *StoreRepo) GetApp(ctx context.Context, appID string) (App, error) {
	a, err := r.store.GetApp(ctx, appID)
	if err != nil {
		return App{}, err
	}
	return App{ID: a.ID, Name: a.Name, InstallScript: a.InstallScript}, nil
}

func (r *StoreRepo) RecordAppInstall(ctx context.Context, workspaceID, appID string) error {
	return r.store.RecordAppInstall(ctx, workspaceID, appID)
}

func (r *StoreRepo) CountActiveSessions(ctx context.Context, workspaceID string) (int, error) {
	return r.store.CountActiveSessions(ctx, workspaceID)
}

func (r *StoreRepo) TerminateWorkspaceSessions(ctx context.Context, workspaceID string) (int, error) {
	return r.store.TerminateWorkspaceSessions(ctx, workspaceID)
}

var _ Repo = (*StoreRepo)(nil)
