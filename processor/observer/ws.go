package observer

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Maximum time we'll wait for a write we initiate to complete.
const wsWriteTimeout = 10 * time.Second

// A connection is closed after this many unanswered keepalive pings.
const wsMaxMissedPongs = 2

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS upgrades the request and streams room events to the client. Rooms
// come from the comma-separated rooms query parameter; absent, the client
// joins global.
func (c *Component) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by the upgrader.
		c.logger.Warn("Websocket upgrade failed", "error", err, "client", r.RemoteAddr)
		return
	}

	rooms := parseRooms(r.URL.Query().Get("rooms"))
	sub := c.hub.Subscribe(rooms)
	atomic.AddInt64(&c.connections, 1)
	c.logger.Debug("Observer client connected", "client", r.RemoteAddr, "rooms", sub.rooms)

	defer func() {
		c.hub.Unsubscribe(sub)
		atomic.AddInt64(&c.connections, -1)
		if err := conn.Close(); err != nil {
			c.logger.Debug("Websocket close failed", "error", err)
		}
	}()

	// Reader drains control frames and detects client-side close. The
	// server never expects data frames.
	readErr := make(chan error, 1)
	var missedPongs int64
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&missedPongs, 0)
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(c.config.PingInterval())
	defer ping.Stop()

	for {
		select {
		case data, ok := <-sub.queue:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Websocket write failed", "error", err, "client", r.RemoteAddr)
				return
			}

		case <-ping.C:
			if atomic.AddInt64(&missedPongs, 1) > wsMaxMissedPongs {
				c.logger.Debug("Websocket client unresponsive", "client", r.RemoteAddr)
				c.closeGracefully(conn, websocket.ClosePolicyViolation, "keepalive timeout")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Websocket read failed", "error", err, "client", r.RemoteAddr)
			}
			return

		case <-r.Context().Done():
			c.closeGracefully(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// closeGracefully sends a best-effort close frame before the deferred Close
// tears the connection down.
func (c *Component) closeGracefully(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	message := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("Websocket close frame failed", "error", err)
	}
}
