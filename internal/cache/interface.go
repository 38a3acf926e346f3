package cache

import "context"

// Cache is the session/state cache's public interface.
type Cache interface {
	SetSession(ctx context.Context, s CacheSession) error
	GetSession(ctx context.Context, id string) (*CacheSession, error)
	TouchSession(ctx context.Context, id string) error
	RemoveSession(ctx context.Context, id string) error

	AppendBuffer(ctx context.Context, sessionID string, chunk []byte) error
	ReadBuffer(ctx context.Context, sessionID string) ([][]byte, error)

	SetWorkspace(ctx context.Context, w CacheWorkspace) error
	GetWorkspace(ctx context.Context, id string) (*CacheWorkspace, error)

	SetAuthToken(ctx context.Context, token, userID string, ttl int64) error
	GetAuthUser(ctx context.Context, token string) (string, error)

	Close() error
}
