package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martinsuchenak/usbtrackd/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// serveWS handles GET /api/ws: the client receives the current snapshot
// immediately and a fresh one on every meaningful change.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	updates, cancel := h.state.Subscribe()
	defer cancel()

	log.Debug("WebSocket client connected", "remote_addr", r.RemoteAddr)

	// Drain incoming frames so close messages are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(h.state.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			log.Debug("WebSocket client disconnected", "remote_addr", r.RemoteAddr)
			return
		case snap := <-updates:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}
