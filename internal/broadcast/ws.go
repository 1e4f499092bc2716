package broadcast

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"optionsflow/logger"
)

// upgrader permits the configured frontend origin; an empty origin config
// allows same-origin requests only, matching the teacher's default-deny
// posture for cross-origin WebSocket upgrades.
func newUpgrader(allowedOrigin string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowedOrigin == "" {
		// a nil CheckOrigin makes gorilla/websocket apply its same-origin check
		return upgrader
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		if allowedOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == allowedOrigin
	}
	return upgrader
}

// Handler returns a gin.HandlerFunc that upgrades the request to a
// WebSocket, subscribes to the hub, and streams classified trades as JSON
// text frames until the client disconnects.
func Handler(hub *Hub, allowedOrigin string) gin.HandlerFunc {
	upgrader := newUpgrader(allowedOrigin)
	log := logger.GetLogger().WithComponent("broadcast_ws")

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("failed to upgrade websocket connection")
			return
		}
		defer conn.Close()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		done := make(chan struct{})
		go discardInboundFrames(conn, done)

		for {
			select {
			case <-done:
				return
			case trade, ok := <-sub.Outbox():
				if !ok {
					return
				}
				data, err := json.Marshal(trade)
				if err != nil {
					log.WithError(err).Warn("failed to marshal trade for websocket push")
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

// discardInboundFrames reads and discards any client-sent frames, purely to
// detect the connection closing (clients don't send anything meaningful on
// this stream).
func discardInboundFrames(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
