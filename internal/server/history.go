// Package server keeps the bounded in-memory log of recent chat messages
// that is replayed to newly connected clients.
package server

import "sync"

// History is an append-only, bounded log of chat messages. Once the limit is
// reached, appending discards the oldest entry; insertion order is never
// changed. History is safe for concurrent use and holds its own lock,
// independent of the hub's registry lock.
type History struct {
	mu       sync.RWMutex
	limit    int
	messages []ChatMessage
}

// NewHistory creates a History retaining at most limit messages. Non-positive
// limits fall back to the default retention of 200.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{
		limit:    limit,
		messages: make([]ChatMessage, 0, limit),
	}
}

// Append adds a message to the log, trimming the oldest entries so the log
// never exceeds its limit. Append never rejects a well-formed message.
func (h *History) Append(msg ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	if len(h.messages) > h.limit {
		copy(h.messages, h.messages[len(h.messages)-h.limit:])
		h.messages = h.messages[:h.limit]
	}
}

// Snapshot returns a copy of the retained messages in insertion order.
// Later appends do not mutate an already returned snapshot.
func (h *History) Snapshot() []ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snapshot := make([]ChatMessage, len(h.messages))
	copy(snapshot, h.messages)
	return snapshot
}

// Len reports the number of retained messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
