package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/container"
)

func testGateway(t *testing.T) (*Gateway, *container.Mock, *cache.Mock, *MockRepo) {
	t.Helper()
	driver := container.NewMock()
	c := cache.NewMock()
	repo := NewMockRepo()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return New(driver, c, repo, log), driver, c, repo
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func dialURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// readUntilClose drains data frames (the server sends an error frame
// before closing on denial paths) and returns the close error.
func readUntilClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		assert.Assert(t, ok, "expected a close error, got %v", err)
		return closeErr
	}
}

func TestMissingParamsCloses(t *testing.T) {
	gw, _, _, _ := testGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Equal(t, readUntilClose(t, conn).Code, CloseMissingParams)
}

func TestAuthFailedCloses(t *testing.T) {
	gw, _, _, _ := testGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=bogus&workspaceId=w1"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Equal(t, readUntilClose(t, conn).Code, CloseAuthFailed)
}

func TestWorkspaceDeniedWhenNotOwner(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "someone-else")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Equal(t, readUntilClose(t, conn).Code, CloseWorkspaceDenied)
}

func TestWorkspaceDeniedWhenNotRunning(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusStopped

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Equal(t, readUntilClose(t, conn).Code, CloseWorkspaceDenied)
}

// TestNewSessionAttachEchoesInput drives a full new-session happy path: the
// mock driver hands back an in-memory pipe for AttachStream, and anything
// written by the client pump shows up as an output frame.
func TestNewSessionAttachEchoesInput(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1&cols=100&rows=40"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	var ready Frame
	assert.NilError(t, conn.ReadJSON(&ready))
	assert.Equal(t, ready.Type, FrameReady)
	assert.Assert(t, ready.SessionID != "")

	// Confirm the mock driver saw the new-session exec call.
	found := false
	for _, call := range driver.Execs {
		if len(call.Argv) > 0 && call.Argv[0] == multiplexerBin && call.Argv[1] == "new-session" {
			found = true
		}
	}
	assert.Assert(t, found, "expected a tmux new-session exec call")

	assert.NilError(t, conn.WriteJSON(Frame{Type: FrameInput, Data: "echo hi\n"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out Frame
	assert.NilError(t, conn.ReadJSON(&out))
	assert.Equal(t, out.Type, FrameOutput)
	assert.Equal(t, out.Data, "echo hi\n")

	status, ok := repo.SessionStatus(ready.SessionID)
	assert.Assert(t, ok)
	assert.Equal(t, status, "active")
}

// TestOneWriterOwnershipRejectsSecond proves that a second connection
// reattaching to a session already claimed by a live connection is
// refused.
func TestOneWriterOwnershipRejectsSecond(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	var ready Frame
	assert.NilError(t, conn.ReadJSON(&ready))
	assert.Equal(t, ready.Type, FrameReady)

	conn2, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1&sessionId="+ready.SessionID), nil)
	assert.NilError(t, err)
	defer conn2.Close()

	assert.Equal(t, readUntilClose(t, conn2).Code, CloseWorkspaceDenied)
}

// TestReattachDeniedForUnknownSession exercises reattachSession's
// errSessionDenied branch when the cache has no record of the session.
func TestReattachDeniedForUnknownSession(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1&sessionId=doesnotexist"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Equal(t, readUntilClose(t, conn).Code, CloseWorkspaceDenied)
}

// TestReattachReplaysBuffer attaches a session, disconnects, then
// reconnects with the same sessionId and expects the buffered output
// replayed as a single reconnect frame before new output resumes.
func TestReattachReplaysBuffer(t *testing.T) {
	gw, driver, mockCache, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)

	var ready Frame
	assert.NilError(t, conn.ReadJSON(&ready))
	sessionID := ready.SessionID

	assert.NilError(t, conn.WriteJSON(Frame{Type: FrameInput, Data: "hello-buffer"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out Frame
	assert.NilError(t, conn.ReadJSON(&out))
	assert.Equal(t, out.Data, "hello-buffer")

	conn.Close()
	// Give the server side time to run teardown and mark disconnected.
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	chunks, err := mockCache.ReadBuffer(ctx, sessionID)
	assert.NilError(t, err)
	assert.Assert(t, len(chunks) > 0)

	conn2, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1&sessionId="+sessionID), nil)
	assert.NilError(t, err)
	defer conn2.Close()

	var reconnect Frame
	assert.NilError(t, conn2.ReadJSON(&reconnect))
	assert.Equal(t, reconnect.Type, FrameReconnect)
	assert.Assert(t, strings.Contains(reconnect.Data, "hello-buffer"))

	var ready2 Frame
	assert.NilError(t, conn2.ReadJSON(&ready2))
	assert.Equal(t, ready2.Type, FrameReady)
	assert.Equal(t, ready2.SessionID, sessionID)
}

// TestPingKeepaliveRespondsWithPong confirms the server answers a client
// ping frame (application-level, not the websocket control ping) with a
// pong frame.
func TestPingKeepaliveRespondsWithPong(t *testing.T) {
	gw, driver, _, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	var ready Frame
	assert.NilError(t, conn.ReadJSON(&ready))

	assert.NilError(t, conn.WriteJSON(Frame{Type: FramePing}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong Frame
	assert.NilError(t, conn.ReadJSON(&pong))
	assert.Equal(t, pong.Type, FramePong)
}

// TestDeleteSessionKillsMultiplexerAndMarksTerminated drives the explicit
// delete path: the multiplexer session is killed, the cache record and
// buffer are removed, and the row reaches terminated with a close time.
func TestDeleteSessionKillsMultiplexerAndMarksTerminated(t *testing.T) {
	gw, driver, mockCache, repo := testGateway(t)
	repo.PutToken("tok1", "user1")
	repo.PutWorkspace("w1", "user1")
	driver.Statuses["w1"] = container.StatusRunning

	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "/ws?token=tok1&workspaceId=w1"), nil)
	assert.NilError(t, err)

	var ready Frame
	assert.NilError(t, conn.ReadJSON(&ready))
	sessionID := ready.SessionID
	conn.Close()
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	assert.NilError(t, gw.DeleteSession(ctx, sessionID))

	killed := false
	for _, call := range driver.Execs {
		if len(call.Argv) > 1 && call.Argv[0] == multiplexerBin && call.Argv[1] == "kill-session" {
			killed = true
		}
	}
	assert.Assert(t, killed, "expected a tmux kill-session exec call")

	_, err = mockCache.GetSession(ctx, sessionID)
	assert.Assert(t, err != nil)

	status, ok := repo.SessionStatus(sessionID)
	assert.Assert(t, ok)
	assert.Equal(t, status, "terminated")
}
