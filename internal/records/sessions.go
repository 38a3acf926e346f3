package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// Session is one terminal session row.
type Session struct {
	ID              string
	WorkspaceID     string
	UserID          string
	MultiplexerName string
	Window          int
	Cols            int
	Rows            int
	Status          string
	CreatedAt       time.Time
	LastSeen        time.Time
	ClosedAt        *time.Time
}

// InsertSession persists a newly attached session row.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, user_id, multiplexer_name, window_index, cols, rows, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.ID, sess.WorkspaceID, sess.UserID, sess.MultiplexerName, sess.Window, sess.Cols, sess.Rows, sess.Status)
	if err != nil {
		return errs.Backend(err, "insert session %s", sess.ID)
	}
	return nil
}

// UpdateSessionStatus transitions a session's status; active and
// disconnected may alternate any number of times before terminated.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, closedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=$2, last_seen=now(), closed_at=$3 WHERE id=$1`,
		id, status, closedAt)
	if err != nil {
		return errs.Backend(err, "update session status %s", id)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, multiplexer_name, window_index, cols, rows, status, created_at, last_seen, closed_at
		FROM sessions WHERE id=$1`, id)

	var sess Session
	var closedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.UserID, &sess.MultiplexerName, &sess.Window, &sess.Cols, &sess.Rows, &sess.Status, &sess.CreatedAt, &sess.LastSeen, &closedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("session %s", id)
		}
		return nil, errs.Backend(err, "get session %s", id)
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return &sess, nil
}

// TerminateWorkspaceSessions marks every session of a workspace
// terminated, used on workspace stop.
func (s *Store) TerminateWorkspaceSessions(ctx context.Context, workspaceID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status='terminated', closed_at=now() WHERE workspace_id=$1 AND status != 'terminated'`,
		workspaceID)
	if err != nil {
		return 0, errs.Backend(err, "terminate sessions for workspace %s", workspaceID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountActiveSessions is used by provisioner.Health.
func (s *Store) CountActiveSessions(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE workspace_id=$1 AND status != 'terminated'`, workspaceID).Scan(&n)
	if err != nil {
		return 0, errs.Backend(err, "count active sessions for workspace %s", workspaceID)
	}
	return n, nil
}
