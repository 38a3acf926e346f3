package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// LookupAuthToken resolves a bearer token to a user id, the cache-miss
// fallback path for the cache's auth:{token} key. Token issuance is owned
// by an external service; this only reads rows it wrote.
func (s *Store) LookupAuthToken(ctx context.Context, token string) (string, error) {
	var userID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT user_id, expires_at FROM auth_tokens WHERE token=$1`, token).Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", errs.Auth("token not found")
	}
	if err != nil {
		return "", errs.Backend(err, "lookup auth token")
	}
	if time.Now().After(expiresAt) {
		return "", errs.Auth("token expired")
	}
	return userID, nil
}

// RecordAppInstall marks an app catalog entry as installed into a
// workspace.
func (s *Store) RecordAppInstall(ctx context.Context, workspaceID, appID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_installs (workspace_id, app_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		workspaceID, appID)
	if err != nil {
		return errs.Backend(err, "record app install %s/%s", workspaceID, appID)
	}
	return nil
}

// App is one app-catalog entry.
type App struct {
	ID            string
	Name          string
	InstallScript string
}

// GetApp fetches an app catalog entry by id.
func (s *Store) GetApp(ctx context.Context, id string) (*App, error) {
	var a App
	err := s.db.QueryRowContext(ctx, `SELECT id, name, install_script FROM apps WHERE id=$1`, id).Scan(&a.ID, &a.Name, &a.InstallScript)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("app %s", id)
	}
	if err != nil {
		return nil, errs.Backend(err, "get app %s", id)
	}
	return &a, nil
}
