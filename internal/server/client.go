// Package server manages individual WebSocket clients, handling read/write
// pumps, inbound validation, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds every outbound write so one slow peer cannot stall
	// its write pump indefinitely.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// deadline expires; pingPeriod must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// sendBufferSize is the per-client outbound queue. A client whose
	// buffer fills up is dropped rather than allowed to block fan-out.
	sendBufferSize = 256
)

// Conn is the transport capability a client needs: read frames, write
// frames, and detect closure. *websocket.Conn satisfies it; tests substitute
// an in-memory double.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client represents one live chat connection. It owns the transport handle
// for its lifetime; the hub owns its registry entry and closes the send
// channel exactly once on deregistration.
type Client struct {
	id     string
	conn   Conn
	send   chan []byte
	hub    *Hub
	addr   string
	closed bool
}

// NewClient creates a Client with a fresh connection id. The send channel is
// buffered so broadcasts never block on a single recipient.
func NewClient(conn Conn, hub *Hub, addr string) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  hub,
		addr: addr,
	}
}

// ID returns the unique connection id assigned at accept time.
func (c *Client) ID() string {
	return c.id
}

// sendHistory replays the given message snapshot as the connection's first
// frame. Replay is best effort: a failure is logged and the client still
// proceeds to registration.
func (c *Client) sendHistory(messages []ChatMessage) {
	payload, err := json.Marshal(HistoryEvent{Type: eventHistory, Messages: messages})
	if err != nil {
		log.Printf("Error marshaling history event for %s: %v", c.addr, err)
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for history to %s: %v", c.addr, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("Error replaying history to %s: %v", c.addr, err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs an appropriate message for the error that ended the
// read loop.
func (c *Client) handleReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded the configured read limit", c.addr)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
}

// handleInbound validates one raw frame. Anything that is not a well-formed
// message envelope with non-empty text is dropped without surfacing an error
// to the sender. A valid message is appended to history and broadcast to all
// connections; the sender hears its own message through the broadcast, there
// is no local echo.
func (c *Client) handleInbound(raw []byte) bool {
	var inbound InboundMessage
	if err := json.Unmarshal(raw, &inbound); err != nil {
		log.Printf("Discarding malformed payload from %s: %v", c.addr, err)
		return false
	}
	if inbound.Type != eventMessage {
		log.Printf("Discarding payload with type %q from %s", inbound.Type, c.addr)
		return false
	}

	msg, ok := NewChatMessage(inbound.Text, inbound.Alias, inbound.Color)
	if !ok {
		log.Printf("Discarding empty message from %s", c.addr)
		return false
	}

	payload, err := json.Marshal(MessageEvent{Type: eventMessage, Message: msg})
	if err != nil {
		log.Printf("Error marshaling message event from %s: %v", c.addr, err)
		return false
	}

	c.hub.History().Append(msg)
	c.hub.Broadcast(payload, "")
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		c.handleInbound(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the transport with proper error handling.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage writes one outgoing frame and returns false if the
// connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}
