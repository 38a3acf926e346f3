package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// closeWithCode sends a websocket close frame carrying code and reason,
// then closes the underlying connection. Used for failure paths that
// never reach the attach stage.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}
