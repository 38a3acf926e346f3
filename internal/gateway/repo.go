package gateway

import (
	"context"
	"time"

	"github.com/termflux/termflux/internal/records"
)

// StoreRepo adapts records.Store to gateway.Repo, the same narrow-adapter
// shape as records.SecretRepo and records.WorkflowRepo.
type StoreRepo struct {
	store *records.Store
}

func NewStoreRepo(store *records.Store) *StoreRepo {
	return &StoreRepo{store: store}
}

func (r *StoreRepo) LookupAuthToken(ctx context.Context, token string) (string, error) {
	return r.store.LookupAuthToken(ctx, token)
}

func (r *StoreRepo) WorkspaceOwner(ctx context.Context, workspaceID string) (string, error) {
	w, err := r.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return w.UserID, nil
}

func (r *StoreRepo) InsertSession(ctx context.Context, sessionID, workspaceID, userID, multiplexerName string, cols, rows int) error {
	return r.store.InsertSession(ctx, records.Session{
		ID:              sessionID,
		WorkspaceID:     workspaceID,
		UserID:          userID,
		MultiplexerName: multiplexerName,
		Cols:            cols,
		Rows:            rows,
		Status:          "active",
	})
}

func (r *StoreRepo) UpdateSessionStatus(ctx context.Context, sessionID, status string, closedAt *time.Time) error {
	return r.store.UpdateSessionStatus(ctx, sessionID, status, closedAt)
}
