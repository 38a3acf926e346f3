package cache

import (
	"context"
	"sync"

	"github.com/termflux/termflux/internal/errs"
)

// Mock is an in-memory Cache used by gateway, provisioner, and workflow
// tests so they don't need a live Redis.
type Mock struct {
	mu         sync.Mutex
	sessions   map[string]CacheSession
	buffers    map[string][][]byte
	workspaces map[string]CacheWorkspace
	authUsers  map[string]string
}

func NewMock() *Mock {
	return &Mock{
		sessions:   map[string]CacheSession{},
		buffers:    map[string][][]byte{},
		workspaces: map[string]CacheWorkspace{},
		authUsers:  map[string]string{},
	}
}

func (m *Mock) SetSession(ctx context.Context, s CacheSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Mock) GetSession(ctx context.Context, id string) (*CacheSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.NotFound("session %s", id)
	}
	cp := s
	return &cp, nil
}

func (m *Mock) TouchSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return errs.NotFound("session %s", id)
	}
	return nil
}

func (m *Mock) RemoveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.buffers, id)
	return nil
}

func (m *Mock) AppendBuffer(ctx context.Context, sessionID string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	buf := append(m.buffers[sessionID], cp)
	if len(buf) > bufferCap {
		buf = buf[len(buf)-bufferCap:]
	}
	m.buffers[sessionID] = buf
	return nil
}

func (m *Mock) ReadBuffer(ctx context.Context, sessionID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.buffers[sessionID]))
	copy(out, m.buffers[sessionID])
	return out, nil
}

func (m *Mock) SetWorkspace(ctx context.Context, w CacheWorkspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[w.ID] = w
	return nil
}

func (m *Mock) GetWorkspace(ctx context.Context, id string) (*CacheWorkspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, errs.NotFound("workspace %s", id)
	}
	cp := w
	return &cp, nil
}

func (m *Mock) SetAuthToken(ctx context.Context, token, userID string, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authUsers[token] = userID
	return nil
}

func (m *Mock) GetAuthUser(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.authUsers[token]
	if !ok {
		return "", errs.Auth("token not found or expired")
	}
	return u, nil
}

func (m *Mock) Close() error { return nil }

var _ Cache = (*Mock)(nil)
