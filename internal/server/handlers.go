// Package server exposes HTTP handlers, including the WebSocket upgrade
// endpoint and the health check.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// NewWebSocketHandler returns the handler for the chat endpoint. It validates
// that the request uses the GET method, upgrades the HTTP connection to
// WebSocket, replays the retained message history to the new connection, and
// registers it with the hub, which starts the read/write pumps and announces
// the new presence count.
func NewWebSocketHandler(hub *Hub, cfg Config) http.HandlerFunc {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error response.
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}
		conn.SetReadLimit(cfg.MaxMessageSize)

		client := NewClient(conn, hub, r.RemoteAddr)
		client.sendHistory(hub.History().Snapshot())
		hub.Register(client)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Parley chat server is running!")
}
