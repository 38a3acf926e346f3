package gateway

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/idgen"
	"github.com/termflux/termflux/internal/metrics"
)

const multiplexerBin = "tmux"

// connection is one client websocket's lifecycle: authenticate, attach
// (or reattach), pump bytes in both directions, and tear down.
type connection struct {
	gw          *Gateway
	ws          *websocket.Conn
	token       string
	workspaceID string
	sessionID   string
	cols        int
	rows        int

	userID          string
	multiplexerName string
	stream          io.ReadWriteCloser

	writeMu sync.Mutex

	pongMu       sync.Mutex
	awaitingPong bool
}

func (c *connection) run(ctx context.Context) {
	defer c.ws.Close()

	userID, err := c.authenticate(ctx)
	if err != nil {
		c.writeFrame(Frame{Type: FrameError, Error: "authentication failed"})
		closeWithCode(c.ws, CloseAuthFailed, "authentication failed")
		return
	}
	c.userID = userID

	ownerID, err := c.gw.repo.WorkspaceOwner(ctx, c.workspaceID)
	if err != nil || ownerID != userID {
		c.writeFrame(Frame{Type: FrameError, Error: "workspace not found or access denied"})
		closeWithCode(c.ws, CloseWorkspaceDenied, "workspace not found or access denied")
		return
	}
	status, err := c.gw.driver.Status(ctx, c.workspaceID)
	if err != nil || status != container.StatusRunning {
		c.writeFrame(Frame{Type: FrameError, Error: "workspace not running"})
		closeWithCode(c.ws, CloseWorkspaceDenied, "workspace not running")
		return
	}

	if c.sessionID == "" {
		if err := c.attachNewSession(ctx); err != nil {
			c.writeFrame(Frame{Type: FrameError, Error: "setup failed"})
			closeWithCode(c.ws, CloseSetupFailed, "setup failed")
			return
		}
	} else {
		if err := c.reattachSession(ctx); err != nil {
			if err == errSessionDenied {
				c.writeFrame(Frame{Type: FrameError, Error: err.Error()})
				closeWithCode(c.ws, CloseWorkspaceDenied, err.Error())
			} else {
				c.writeFrame(Frame{Type: FrameError, Error: "setup failed"})
				closeWithCode(c.ws, CloseSetupFailed, "setup failed")
			}
			return
		}
	}
	defer c.stream.Close()

	if !c.gw.claimWriter(c.sessionID, c) {
		c.writeFrame(Frame{Type: FrameError, Error: "session already attached elsewhere"})
		closeWithCode(c.ws, CloseWorkspaceDenied, "session already attached elsewhere")
		return
	}
	defer c.gw.releaseWriter(c.sessionID, c)

	c.writeFrame(Frame{Type: FrameReady, SessionID: c.sessionID})

	// The two pumps and the keepalive ticker run concurrently. Whichever
	// side ends first closes the other's blocking call (ws.Close unblocks
	// ReadJSON, stream.Close unblocks Read) so both goroutines return; a
	// sync.Once records which side ended first, since that determines
	// whether the session transitions to disconnected or terminated, not
	// whichever loop happens to exit last as a side effect of the forced
	// close.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx)

	var once sync.Once
	var terminatedByContainer bool

	containerDone := make(chan struct{})
	go func() {
		defer close(containerDone)
		c.pumpContainerToClient()
		once.Do(func() {
			terminatedByContainer = true
			// Send the terminal error frame and close gracefully before the
			// forced close below; this is the only path that unblocks the
			// client pump's ReadJSON with a close the client can observe.
			c.writeFrame(Frame{Type: FrameError, Error: "session terminated"})
			closeWithCode(c.ws, CloseNormal, "session terminated")
		})
	}()

	c.pumpClientToContainer(ctx)
	once.Do(func() { terminatedByContainer = false })
	_ = c.stream.Close()
	stopPing()

	<-containerDone

	c.teardown(ctx, terminatedByContainer)
}

// authCacheTTLSeconds bounds how long a relational auth-table hit is
// served from the cache before being re-verified.
const authCacheTTLSeconds = 300

// authenticate resolves the bearer token cache-through: the cache's auth
// key is consulted first, then the relational auth table, re-priming the
// cache on a hit there.
func (c *connection) authenticate(ctx context.Context) (string, error) {
	if userID, err := c.gw.cache.GetAuthUser(ctx, c.token); err == nil && userID != "" {
		return userID, nil
	}
	userID, err := c.gw.repo.LookupAuthToken(ctx, c.token)
	if err != nil {
		return "", err
	}
	_ = c.gw.cache.SetAuthToken(ctx, c.token, userID, authCacheTTLSeconds)
	return userID, nil
}

// attachNewSession mints a session id, starts a detached multiplexer
// session sized to the requested geometry, persists the session, and
// opens the attach stream.
func (c *connection) attachNewSession(ctx context.Context) error {
	c.sessionID = idgen.Session()
	c.multiplexerName = container.NamePrefix + c.sessionID

	_, err := c.gw.driver.Exec(ctx, c.workspaceID, []string{
		multiplexerBin, "new-session", "-d", "-s", c.multiplexerName,
		"-x", strconv.Itoa(c.cols), "-y", strconv.Itoa(c.rows),
	}, container.ExecOptions{})
	if err != nil {
		return err
	}

	if err := c.gw.repo.InsertSession(ctx, c.sessionID, c.workspaceID, c.userID, c.multiplexerName, c.cols, c.rows); err != nil {
		return err
	}
	if err := c.gw.cache.SetSession(ctx, cache.CacheSession{
		ID:              c.sessionID,
		WorkspaceID:     c.workspaceID,
		UserID:          c.userID,
		MultiplexerName: c.multiplexerName,
		Cols:            c.cols,
		Rows:            c.rows,
		Status:          cache.SessionActive,
		CreatedAt:       nowUTC(),
		LastSeen:        nowUTC(),
	}); err != nil {
		return err
	}

	stream, err := c.gw.driver.AttachStream(ctx, c.workspaceID, []string{multiplexerBin, "attach-session", "-t", c.multiplexerName})
	if err != nil {
		return err
	}
	c.stream = stream
	return nil
}

// reattachSession serves an existing session id: an absent or
// mismatched-owner CacheSession is the caller's access-denied error;
// otherwise the replay buffer is emitted as a single reconnect frame
// before attaching, and the session flips back to active.
func (c *connection) reattachSession(ctx context.Context) error {
	cs, err := c.gw.cache.GetSession(ctx, c.sessionID)
	if err != nil || cs == nil || cs.UserID != c.userID {
		return errSessionDenied
	}
	c.multiplexerName = cs.MultiplexerName

	chunks, err := c.gw.cache.ReadBuffer(ctx, c.sessionID)
	if err != nil {
		return err
	}
	if len(chunks) > 0 {
		var sb strings.Builder
		for _, chunk := range chunks {
			sb.Write(chunk)
		}
		c.writeFrame(Frame{Type: FrameReconnect, Data: sb.String()})
	}

	stream, err := c.gw.driver.AttachStream(ctx, c.workspaceID, []string{multiplexerBin, "attach-session", "-t", c.multiplexerName})
	if err != nil {
		return err
	}
	c.stream = stream

	cs.Status = cache.SessionActive
	cs.LastSeen = nowUTC()
	if err := c.gw.cache.SetSession(ctx, *cs); err != nil {
		c.gw.log.WithError(err).WithField("session_id", c.sessionID).Warn("gateway: mark session active failed")
	}
	_ = c.gw.repo.UpdateSessionStatus(ctx, c.sessionID, cache.SessionActive, nil)
	return nil
}

// pumpClientToContainer forwards client frames to the container. It
// returns when the client socket closes, or when pumpContainerToClient
// closed c.ws to unblock this read after the attach stream ended.
func (c *connection) pumpClientToContainer(ctx context.Context) {
	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameInput:
			if _, err := c.stream.Write([]byte(frame.Data)); err != nil {
				c.gw.log.WithError(err).WithField("session_id", c.sessionID).Warn("gateway: write to attach stream failed")
				return
			}
		case FrameResize:
			_, err := c.gw.driver.Exec(ctx, c.workspaceID, []string{
				multiplexerBin, "resize-window", "-t", c.multiplexerName,
				"-x", strconv.Itoa(frame.Cols), "-y", strconv.Itoa(frame.Rows),
			}, container.ExecOptions{})
			if err != nil {
				c.gw.log.WithError(err).WithField("session_id", c.sessionID).Warn("gateway: resize failed")
			}
		case FramePing:
			c.writeFrame(Frame{Type: FramePong})
		}
		_ = c.gw.cache.TouchSession(ctx, c.sessionID)
	}
}

// pumpContainerToClient forwards container bytes to the client and the
// replay buffer. It returns when the attach stream ends (multiplexer
// exit, container stop), or when pumpClientToContainer closed c.stream to
// unblock this read after the client socket closed.
func (c *connection) pumpContainerToClient() {
	ctx := context.Background()
	buf := make([]byte, 4096)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			chunk := stripMuxHeader(buf[:n])
			c.writeFrame(Frame{Type: FrameOutput, Data: string(chunk)})
			_ = c.gw.cache.AppendBuffer(ctx, c.sessionID, chunk)
			_ = c.gw.cache.TouchSession(ctx, c.sessionID)
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.ws.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.awaitingPong = false
		c.pongMu.Unlock()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pongMu.Lock()
			missed := c.awaitingPong
			c.awaitingPong = true
			c.pongMu.Unlock()
			if missed {
				_ = c.ws.Close()
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// teardown marks the session terminated when the attach stream itself
// ended (multiplexer exit / container stop), disconnected for any other
// socket-close reason. The multiplexer session inside the container is
// left running in the latter case.
func (c *connection) teardown(ctx context.Context, terminatedByContainer bool) {
	now := nowUTC()
	if terminatedByContainer {
		// The error frame and close control message were already sent from
		// the pump goroutine that detected the stream end, before it forced
		// the websocket closed; only the persisted state is left to do here.
		_ = c.gw.repo.UpdateSessionStatus(ctx, c.sessionID, cache.SessionTerminated, &now)
		_ = c.gw.cache.RemoveSession(ctx, c.sessionID)
		return
	}

	_ = c.gw.repo.UpdateSessionStatus(ctx, c.sessionID, cache.SessionDisconnected, nil)
	cs := cache.CacheSession{
		ID:              c.sessionID,
		WorkspaceID:     c.workspaceID,
		UserID:          c.userID,
		MultiplexerName: c.multiplexerName,
		Cols:            c.cols,
		Rows:            c.rows,
		Status:          cache.SessionDisconnected,
		CreatedAt:       now,
		LastSeen:        now,
	}
	if existing, err := c.gw.cache.GetSession(ctx, c.sessionID); err == nil && existing != nil {
		cs.CreatedAt = existing.CreatedAt
	}
	_ = c.gw.cache.SetSession(ctx, cs)
}

func (c *connection) writeFrame(f Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.ws.WriteJSON(f)
	metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
}
