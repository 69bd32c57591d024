package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/nudge/internal/scheduler"
)

// Message is a live schedule update pushed to every connected client.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     string         `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action, id string, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// EventMessage converts a scheduler event into a schedule message.
func EventMessage(ev scheduler.Event) Message {
	extra := map[string]any{
		"status": string(ev.Status),
		"fireAt": ev.FireAt.UTC().Format(time.RFC3339),
	}
	if ev.Error != "" {
		extra["error"] = ev.Error
	}
	return NewMessage("schedule", string(ev.Type), ev.ScheduleID, extra)
}

// Hub fans messages out to connected clients. The latest message of each
// non-schedule entity (backup status) is retained and replayed to clients
// that connect later.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	retained map[string]retainedMessage
	logger   *slog.Logger
}

type retainedMessage struct {
	msg  Message
	data []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		retained: make(map[string]retainedMessage),
		logger:   logger,
	}
}

// Register adds a client to the hub and queues any retained messages it
// wants.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, r := range h.retained {
		if !c.wants(r.msg) {
			continue
		}
		select {
		case c.send <- r.data:
		default:
		}
	}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Entity != "schedule" {
		h.retained[msg.Entity] = retainedMessage{msg: msg, data: data}
	}
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("client buffer full, dropping message", "type", msg.Type)
		}
	}
}

// Publish broadcasts a scheduler event. It never blocks, so it can be used
// as the engine's event handler.
func (h *Hub) Publish(ev scheduler.Event) {
	h.Broadcast(EventMessage(ev))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
