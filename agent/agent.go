// Package agent talks to the conversational backend that produces the
// bot's replies. The bridge hands it decrypted room messages together
// with a bounded per-room history window and sends whatever it returns
// back into the room.
package agent

import (
	"context"
	"sync"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports backend token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Result is one completed reply.
type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

// Request is one completion request.
type Request struct {
	Model    string
	Messages []Message
}

// Client generates a reply from a conversation.
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

// DefaultHistoryWindow is how many turns of a room's conversation are
// replayed to the backend with each request.
const DefaultHistoryWindow = 20

// History keeps a bounded conversation window per room.
type History struct {
	mu     sync.Mutex
	window int
	rooms  map[string][]Message
}

// NewHistory creates a history keeper. window <= 0 uses
// DefaultHistoryWindow.
func NewHistory(window int) *History {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &History{
		window: window,
		rooms:  make(map[string][]Message),
	}
}

// Append records one turn and trims the room's window.
func (h *History) Append(roomID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.rooms[roomID], Message{Role: role, Content: content})
	if len(msgs) > h.window {
		msgs = msgs[len(msgs)-h.window:]
	}
	h.rooms[roomID] = msgs
}

// Messages returns a copy of the room's current window.
func (h *History) Messages(roomID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.rooms[roomID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Reset drops a room's conversation window.
func (h *History) Reset(roomID string) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}
