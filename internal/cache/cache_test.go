package cache

import (
	"context"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/termflux/termflux/internal/errs"
)

func TestMockSessionRoundTrip(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	s := CacheSession{ID: "s1", WorkspaceID: "w1", UserID: "u1", MultiplexerName: "termflux-s1", Cols: 80, Rows: 24, Status: SessionActive}
	assert.NilError(t, m.SetSession(ctx, s))

	got, err := m.GetSession(ctx, "s1")
	assert.NilError(t, err)
	assert.Equal(t, got.MultiplexerName, "termflux-s1")
	assert.Equal(t, got.Status, SessionActive)

	assert.NilError(t, m.RemoveSession(ctx, "s1"))
	_, err = m.GetSession(ctx, "s1")
	assert.Assert(t, errs.Is(err, errs.KindNotFound))
}

func TestMockBufferRingCap(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	for i := 0; i < bufferCap+50; i++ {
		assert.NilError(t, m.AppendBuffer(ctx, "s1", []byte(fmt.Sprintf("chunk-%d", i))))
	}

	chunks, err := m.ReadBuffer(ctx, "s1")
	assert.NilError(t, err)
	assert.Equal(t, len(chunks), bufferCap)
	// The oldest entries fell off the ring; the newest survives at the tail.
	assert.Equal(t, string(chunks[len(chunks)-1]), fmt.Sprintf("chunk-%d", bufferCap+49))
}

func TestMockBufferPreservesAppendOrder(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	for _, chunk := range []string{"a", "b", "c"} {
		assert.NilError(t, m.AppendBuffer(ctx, "s1", []byte(chunk)))
	}

	chunks, err := m.ReadBuffer(ctx, "s1")
	assert.NilError(t, err)
	var joined string
	for _, c := range chunks {
		joined += string(c)
	}
	assert.Equal(t, joined, "abc")
}

func TestMockAuthToken(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	_, err := m.GetAuthUser(ctx, "nope")
	assert.Assert(t, errs.Is(err, errs.KindAuth))

	assert.NilError(t, m.SetAuthToken(ctx, "tok1", "user1", 60))
	userID, err := m.GetAuthUser(ctx, "tok1")
	assert.NilError(t, err)
	assert.Equal(t, userID, "user1")
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, sessionKey("abc"), "session:abc")
	assert.Equal(t, sessionBufferKey("abc"), "session:abc:buffer")
	assert.Equal(t, workspaceKey("w"), "workspace:w")
	assert.Equal(t, workspaceSessionsKey("w"), "workspace:w:sessions")
	assert.Equal(t, userSessionsKey("u"), "user:u:sessions")
	assert.Equal(t, userWorkspacesKey("u"), "user:u:workspaces")
	assert.Equal(t, authKey("t"), "auth:t")
}
