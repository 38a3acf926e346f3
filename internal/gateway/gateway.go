// Package gateway is the terminal gateway: a long-lived service that
// accepts client websocket connections, attaches them to a multiplexer
// session running inside a workspace container, and pumps bytes in both
// directions with reconnect/replay support.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/metrics"
)

// pingInterval is the keepalive cadence; a connection whose prior ping
// was not answered by the next tick is closed.
const pingInterval = 30 * time.Second

// Repo is the persistence boundary the gateway needs.
type Repo interface {
	LookupAuthToken(ctx context.Context, token string) (userID string, err error)
	WorkspaceOwner(ctx context.Context, workspaceID string) (userID string, err error)
	InsertSession(ctx context.Context, sessionID, workspaceID, userID, multiplexerName string, cols, rows int) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string, closedAt *time.Time) error
}

// Gateway owns the websocket upgrade, session registry, and one-writer
// lease over each cache session. The lease is an in-process mutex; a
// multi-node deployment would need a cache lease (SET NX PX) here instead.
type Gateway struct {
	driver container.Driver
	cache  cache.Cache
	repo   Repo
	log    *logrus.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	writers map[string]*connection // sessionID -> the connection that owns writes
}

// New builds a Gateway. Per-message deflate compression is enabled on the
// upgrader; the finer window/threshold tuning stays at the library's
// negotiated defaults.
func New(driver container.Driver, c cache.Cache, repo Repo, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{
		driver: driver,
		cache:  c,
		repo:   repo,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		writers: map[string]*connection{},
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
// It never returns an error to the HTTP layer; failures are expressed as
// close codes on the socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	workspaceID := r.URL.Query().Get("workspaceId")
	sessionID := r.URL.Query().Get("sessionId")
	colsQ := r.URL.Query().Get("cols")
	rowsQ := r.URL.Query().Get("rows")

	if token == "" || workspaceID == "" {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		metrics.ConnectionsTotal.WithLabelValues("missing_params").Inc()
		closeWithCode(conn, CloseMissingParams, "missing required query parameters")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("gateway: upgrade failed")
		metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	c := &connection{
		gw:          g,
		ws:          conn,
		token:       token,
		workspaceID: workspaceID,
		sessionID:   sessionID,
		cols:        parseDim(colsQ, 80),
		rows:        parseDim(rowsQ, 24),
	}
	c.run(r.Context())
}

func parseDim(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return def
	}
	return n
}

// claimWriter registers conn as the sole writer for sessionID. Returns
// false if another connection already owns it (shouldn't happen in normal
// attach flow since a session id is only reattached after its prior
// connection released the claim, but guards against a race on
// simultaneous reconnects).
func (g *Gateway) claimWriter(sessionID string, conn *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.writers[sessionID]; held {
		return false
	}
	g.writers[sessionID] = conn
	metrics.SessionsActive.Inc()
	return true
}

func (g *Gateway) releaseWriter(sessionID string, conn *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.writers[sessionID]; ok && cur == conn {
		delete(g.writers, sessionID)
		metrics.SessionsActive.Dec()
	}
}

// Shutdown closes every live connection with a going-away code. Called
// after the HTTP listener has stopped accepting new upgrades; sessions
// stay disconnected, not terminated, so clients can reattach when the
// daemon returns.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*connection, 0, len(g.writers))
	for _, c := range g.writers {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		closeWithCode(c.ws, CloseServerShutdown, "server shutting down")
	}
}

// DeleteSession explicitly ends a session: kills its multiplexer session
// inside the container, removes the cache record and replay buffer, and
// marks the row terminated with a close timestamp. Any live connection
// bound to the session observes the attach stream ending and tears itself
// down.
func (g *Gateway) DeleteSession(ctx context.Context, sessionID string) error {
	cs, err := g.cache.GetSession(ctx, sessionID)
	if err == nil && cs != nil {
		_, _ = g.driver.Exec(ctx, cs.WorkspaceID, []string{multiplexerBin, "kill-session", "-t", cs.MultiplexerName}, container.ExecOptions{})
	}
	if err := g.cache.RemoveSession(ctx, sessionID); err != nil {
		g.log.WithError(err).WithField("session_id", sessionID).Warn("gateway: remove cache session failed")
	}
	now := nowUTC()
	return g.repo.UpdateSessionStatus(ctx, sessionID, cache.SessionTerminated, &now)
}
