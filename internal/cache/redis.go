package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/termflux/termflux/internal/errs"
)

// Redis implements Cache over a real Redis connection. Sessions are
// hashes, replay buffers are capped lists, membership indexes are sets,
// auth tokens are expiring strings.
type Redis struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewRedis(addr string, db int, log *logrus.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{rdb: rdb, log: log}
}

func (r *Redis) Close() error { return r.rdb.Close() }

func sessionToMap(s CacheSession) map[string]any {
	m := map[string]any{
		"workspaceId":     s.WorkspaceID,
		"userId":          s.UserID,
		"containerHandle": s.ContainerHandle,
		"multiplexerName": s.MultiplexerName,
		"window":          s.Window,
		"cols":            s.Cols,
		"rows":            s.Rows,
		"status":          s.Status,
		"createdAt":       s.CreatedAt.Format(time.RFC3339Nano),
		"lastSeen":        s.LastSeen.Format(time.RFC3339Nano),
	}
	if s.ClosedAt != nil {
		m["closedAt"] = s.ClosedAt.Format(time.RFC3339Nano)
	}
	return m
}

// SetSession writes the full CacheSession hash, resets its TTL to 24 h,
// and refreshes both membership sets.
func (r *Redis) SetSession(ctx context.Context, s CacheSession) error {
	key := sessionKey(s.ID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionToMap(s))
	pipe.Expire(ctx, key, sessionTTLSeconds*time.Second)
	pipe.SAdd(ctx, workspaceSessionsKey(s.WorkspaceID), s.ID)
	pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Backend(err, "set session %s", s.ID)
	}
	return nil
}

func (r *Redis) GetSession(ctx context.Context, id string) (*CacheSession, error) {
	m, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, errs.Backend(err, "get session %s", id)
	}
	if len(m) == 0 {
		return nil, errs.NotFound("session %s", id)
	}

	s := &CacheSession{ID: id}
	s.WorkspaceID = m["workspaceId"]
	s.UserID = m["userId"]
	s.ContainerHandle = m["containerHandle"]
	s.MultiplexerName = m["multiplexerName"]
	s.Status = m["status"]
	fmt.Sscanf(m["window"], "%d", &s.Window)
	fmt.Sscanf(m["cols"], "%d", &s.Cols)
	fmt.Sscanf(m["rows"], "%d", &s.Rows)
	if t, err := time.Parse(time.RFC3339Nano, m["createdAt"]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, m["lastSeen"]); err == nil {
		s.LastSeen = t
	}
	if v, ok := m["closedAt"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.ClosedAt = &t
		}
	}
	return s, nil
}

// TouchSession refreshes the session's TTL without changing its fields.
func (r *Redis) TouchSession(ctx context.Context, id string) error {
	key := sessionKey(id)
	ok, err := r.rdb.Expire(ctx, key, sessionTTLSeconds*time.Second).Result()
	if err != nil {
		return errs.Backend(err, "touch session %s", id)
	}
	if !ok {
		return errs.NotFound("session %s", id)
	}
	r.rdb.Expire(ctx, sessionBufferKey(id), sessionTTLSeconds*time.Second)
	return nil
}

// RemoveSession deletes the session hash, its buffer, and its membership
// in both the workspace and user session sets.
func (r *Redis) RemoveSession(ctx context.Context, id string) error {
	s, err := r.GetSession(ctx, id)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.Del(ctx, sessionBufferKey(id))
	if s != nil {
		pipe.SRem(ctx, workspaceSessionsKey(s.WorkspaceID), id)
		pipe.SRem(ctx, userSessionsKey(s.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Backend(err, "remove session %s", id)
	}
	return nil
}

// AppendBuffer pushes a chunk onto the replay ring: RPUSH, trim to the
// last 1000 entries, reset the 24 h TTL.
func (r *Redis) AppendBuffer(ctx context.Context, sessionID string, chunk []byte) error {
	key := sessionBufferKey(sessionID)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, chunk)
	pipe.LTrim(ctx, key, -bufferCap, -1)
	pipe.Expire(ctx, key, sessionTTLSeconds*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Backend(err, "append buffer %s", sessionID)
	}
	return nil
}

func (r *Redis) ReadBuffer(ctx context.Context, sessionID string) ([][]byte, error) {
	vals, err := r.rdb.LRange(ctx, sessionBufferKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errs.Backend(err, "read buffer %s", sessionID)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) SetWorkspace(ctx context.Context, w CacheWorkspace) error {
	key := workspaceKey(w.ID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"userId":          w.UserID,
		"orgId":           w.OrgID,
		"status":          w.Status,
		"containerHandle": w.ContainerHandle,
	})
	pipe.SAdd(ctx, userWorkspacesKey(w.UserID), w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Backend(err, "set workspace %s", w.ID)
	}
	return nil
}

func (r *Redis) GetWorkspace(ctx context.Context, id string) (*CacheWorkspace, error) {
	m, err := r.rdb.HGetAll(ctx, workspaceKey(id)).Result()
	if err != nil {
		return nil, errs.Backend(err, "get workspace %s", id)
	}
	if len(m) == 0 {
		return nil, errs.NotFound("workspace %s", id)
	}
	return &CacheWorkspace{
		ID:              id,
		UserID:          m["userId"],
		OrgID:           m["orgId"],
		Status:          m["status"],
		ContainerHandle: m["containerHandle"],
	}, nil
}

func (r *Redis) SetAuthToken(ctx context.Context, token, userID string, ttl int64) error {
	if err := r.rdb.Set(ctx, authKey(token), userID, time.Duration(ttl)*time.Second).Err(); err != nil {
		return errs.Backend(err, "set auth token")
	}
	return nil
}

func (r *Redis) GetAuthUser(ctx context.Context, token string) (string, error) {
	v, err := r.rdb.Get(ctx, authKey(token)).Result()
	if err == redis.Nil {
		return "", errs.Auth("token not found or expired")
	}
	if err != nil {
		return "", errs.Backend(err, "get auth token")
	}
	return v, nil
}

var _ Cache = (*Redis)(nil)
