// Package server defines the wire envelopes exchanged with chat clients and
// the normalization rules applied to inbound chat messages.
package server

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Event type tags used in every JSON envelope.
const (
	eventHistory  = "history"
	eventMessage  = "message"
	eventPresence = "presence"
)

// Normalization limits for inbound chat messages. Text is trimmed before the
// length check, so a 481-rune input is stored as its first 480 runes.
const (
	maxTextRunes  = 480
	maxAliasRunes = 48
	maxColorRunes = 64
)

const (
	defaultAlias = "Anonymous"
	defaultColor = "#9ca3af"
)

// ChatMessage is one immutable chat entry. The id and timestamp are assigned
// server-side at append time; clients never supply them.
type ChatMessage struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Alias  string `json:"alias"`
	Color  string `json:"color"`
	SentAt string `json:"sentAt"`
}

// InboundMessage is the only client-to-server payload the server accepts.
// Anything that does not unmarshal into this shape with type "message" and
// non-empty text is silently discarded.
type InboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Alias string `json:"alias"`
	Color string `json:"color"`
}

// HistoryEvent replays the retained message log to a newly connected client.
type HistoryEvent struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// MessageEvent carries one accepted chat message to every connection.
type MessageEvent struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// PresenceEvent carries the connected-client count after a membership change.
type PresenceEvent struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// NewChatMessage normalizes raw inbound fields into a ChatMessage with a
// fresh id and timestamp. It reports false when the trimmed text is empty,
// in which case the message must be dropped.
func NewChatMessage(text, alias, color string) (ChatMessage, bool) {
	text = clampRunes(strings.TrimSpace(text), maxTextRunes)
	if text == "" {
		return ChatMessage{}, false
	}

	alias = clampRunes(strings.TrimSpace(alias), maxAliasRunes)
	if alias == "" {
		alias = defaultAlias
	}

	color = clampRunes(strings.TrimSpace(color), maxColorRunes)
	if color == "" {
		color = defaultColor
	}

	return ChatMessage{
		ID:     uuid.NewString(),
		Text:   text,
		Alias:  alias,
		Color:  color,
		SentAt: time.Now().UTC().Format(time.RFC3339),
	}, true
}

// clampRunes truncates s to at most max runes, never splitting a rune.
func clampRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
