package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// mockSession is the subset of a persisted session row the mock repo keeps,
// enough to exercise claim/reattach/teardown paths in tests.
type mockSession struct {
	workspaceID     string
	userID          string
	multiplexerName string
	cols, rows      int
	status          string
	closedAt        *time.Time
}

// MockRepo is an in-memory Repo for tests.
type MockRepo struct {
	mu sync.Mutex

	tokens     map[string]string // token -> userID
	workspaces map[string]string // workspaceID -> ownerUserID
	sessions   map[string]*mockSession
}

func NewMockRepo() *MockRepo {
	return &MockRepo{
		tokens:     map[string]string{},
		workspaces: map[string]string{},
		sessions:   map[string]*mockSession{},
	}
}

func (r *MockRepo) PutToken(token, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = userID
}

func (r *MockRepo) PutWorkspace(workspaceID, ownerUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[workspaceID] = ownerUserID
}

func (r *MockRepo) LookupAuthToken(ctx context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.tokens[token]
	if !ok {
		return "", errs.Auth("token not found")
	}
	return userID, nil
}

func (r *MockRepo) WorkspaceOwner(ctx context.Context, workspaceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.workspaces[workspaceID]
	if !ok {
		return "", errs.NotFound("workspace %s", workspaceID)
	}
	return userID, nil
}

func (r *MockRepo) InsertSession(ctx context.Context, sessionID, workspaceID, userID, multiplexerName string, cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &mockSession{
		workspaceID:     workspaceID,
		userID:          userID,
		multiplexerName: multiplexerName,
		cols:            cols,
		rows:            rows,
		status:          "active",
	}
	return nil
}

func (r *MockRepo) UpdateSessionStatus(ctx context.Context, sessionID, status string, closedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return errs.NotFound("session %s", sessionID)
	}
	sess.status = status
	sess.closedAt = closedAt
	return nil
}

func (r *MockRepo) SessionStatus(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.status, true
}

var _ Repo = (*MockRepo)(nil)
