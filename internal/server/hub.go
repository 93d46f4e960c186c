// Package server coordinates client registration, message fan-out, and
// connection cleanup for the Parley WebSocket chat via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Hub is the connection registry and broadcast engine. It tracks active
// clients keyed by connection id and ensures thread-safe operations through
// mutex protection. The registry lock is never held while sending to a
// client, so a slow or broken peer cannot stall fan-out to the others.
type Hub struct {
	history *History

	mu      sync.RWMutex
	clients map[string]*Client

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub sharing the given message history with every
// connection it will manage. The returned Hub is ready for registrations.
func NewHub(history *History) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		history: history,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// History returns the message store shared by every connection.
func (h *Hub) History() *History {
	return h.history
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds the client under its connection id, starts its read/write
// pumps, and announces the new presence count to every connection.
func (h *Hub) Register(client *Client) {
	if client == nil {
		log.Printf("Received nil client registration; skipping")
		return
	}

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		log.Printf("Rejecting registration from %s: hub is shutting down", client.addr)
		client.closeConnection()
		return
	}
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.announcePresence()
}

// Unregister removes the client and announces the new presence count.
// Removal is idempotent: deregistering a client that is no longer present is
// a no-op and emits no presence event.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mu.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	log.Printf("Client %s unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)

	h.announcePresence()
}

// Broadcast sends payload to every registered connection except the one
// matching excludeID; pass an empty excludeID to reach all connections.
// Per-client delivery failures are isolated: the failing client is removed
// and delivery continues to the remaining connections.
func (h *Hub) Broadcast(payload []byte, excludeID string) {
	clients := h.clientSnapshot()

	var failed []*Client
	for _, client := range clients {
		if excludeID != "" && client.id == excludeID {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}

	h.removeFailedClients(failed)
}

// announcePresence broadcasts the current registry size to all connections.
// It runs synchronously after every membership change and nowhere else.
func (h *Hub) announcePresence() {
	payload, err := json.Marshal(PresenceEvent{Type: eventPresence, Count: h.ClientCount()})
	if err != nil {
		log.Printf("Error marshaling presence event: %v", err)
		return
	}
	h.Broadcast(payload, "")
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation so the client's send
	// channel cannot be closed underneath us.
	h.mu.RLock()
	defer h.mu.RUnlock()

	current, exists := h.clients[client.id]
	if !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// clientSnapshot returns a thread-safe snapshot of all current clients.
func (h *Hub) clientSnapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients deregisters clients whose send buffers were full or
// already closed, then announces the reduced presence count once.
func (h *Hub) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			log.Printf("Client %s from %s removed due to full send buffer", client.id, client.addr)
		}
	}
	h.mu.Unlock()

	// Close channels after releasing the lock.
	for _, ch := range channelsToClose {
		close(ch)
	}

	if len(channelsToClose) > 0 {
		h.announcePresence()
	}
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	clients := h.clientSnapshot()
	for _, client := range clients {
		client.closeConnection()
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown stops accepting registrations, closes every connection, and waits
// for all client goroutines to finish or for the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
