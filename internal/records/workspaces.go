package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// Workspace is one workspace row.
type Workspace struct {
	ID              string
	DisplayName     string
	UserID          string
	OrgID           string
	Status          string
	ContainerHandle string
	CPUCores        float64
	MemoryMiB       int64
	DiskMiB         int64
	Env             map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InsertWorkspace persists a newly created workspace row.
func (s *Store) InsertWorkspace(ctx context.Context, w Workspace) error {
	envJSON, err := json.Marshal(w.Env)
	if err != nil {
		return errs.Backend(err, "marshal workspace env")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, display_name, user_id, org_id, status, container_handle, cpu_cores, memory_mib, disk_mib, env)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		w.ID, w.DisplayName, w.UserID, w.OrgID, w.Status, w.ContainerHandle, w.CPUCores, w.MemoryMiB, w.DiskMiB, envJSON)
	if err != nil {
		return errs.Backend(err, "insert workspace %s", w.ID)
	}
	return nil
}

// UpdateWorkspaceStatus updates status and container handle together so a
// workspace holds a handle exactly while it is running.
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id, status, containerHandle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status=$2, container_handle=$3, updated_at=now() WHERE id=$1`,
		id, status, containerHandle)
	if err != nil {
		return errs.Backend(err, "update workspace status %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("workspace %s", id)
	}
	return nil
}

// GetWorkspace fetches one workspace row.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, user_id, org_id, status, container_handle, cpu_cores, memory_mib, disk_mib, env, created_at, updated_at
		FROM workspaces WHERE id=$1`, id)

	var w Workspace
	var orgID, handle sql.NullString
	var envJSON []byte
	if err := row.Scan(&w.ID, &w.DisplayName, &w.UserID, &orgID, &w.Status, &handle, &w.CPUCores, &w.MemoryMiB, &w.DiskMiB, &envJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("workspace %s", id)
		}
		return nil, errs.Backend(err, "get workspace %s", id)
	}
	w.OrgID = orgID.String
	w.ContainerHandle = handle.String
	if len(envJSON) > 0 {
		_ = json.Unmarshal(envJSON, &w.Env)
	}
	return &w, nil
}

// ListWorkspacesByUser lists every workspace a user owns.
func (s *Store) ListWorkspacesByUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, status FROM workspaces WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errs.Backend(err, "list workspaces for user %s", userID)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.DisplayName, &w.Status); err != nil {
			return nil, errs.Backend(err, "scan workspace row")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace row (cascades sessions/runs/secrets).
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, id)
	if err != nil {
		return errs.Backend(err, "delete workspace %s", id)
	}
	return nil
}
