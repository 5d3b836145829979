package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomMirror publishes room membership outside the process.
type RoomMirror interface {
	Join(ctx context.Context, chatID, userID string) error
	Leave(ctx context.Context, chatID, userID string) error
}

// Hub tracks the open connections and the chat rooms they joined.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{} // chat_id -> clients

	mirror RoomMirror
	log    *zap.Logger
}

func NewHub(mirror RoomMirror, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		mirror:  mirror,
		log:     log,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) join(c *Client, chatID string) {
	h.mu.Lock()
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Client]struct{})
	}
	h.rooms[chatID][c] = struct{}{}
	h.mu.Unlock()

	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.mirror.Join(ctx, chatID, c.userID); err != nil {
			h.log.Warn("failed to mirror room join", zap.String("chat", chatID), zap.String("user", c.userID), zap.Error(err))
		}
	}
	h.log.Debug("client joined room", zap.String("handle", c.id), zap.String("chat", chatID))
}

// unregister removes c from every room. The mirrored membership of a room is
// only dropped once no other connection of the same user remains in it.
func (h *Hub) unregister(c *Client) {
	var emptied []string
	h.mu.Lock()
	delete(h.clients, c)
	for chatID, clients := range h.rooms {
		if _, ok := clients[c]; !ok {
			continue
		}
		delete(clients, c)
		stillThere := false
		for other := range clients {
			if other.userID == c.userID {
				stillThere = true
				break
			}
		}
		if !stillThere {
			emptied = append(emptied, chatID)
		}
		if len(clients) == 0 {
			delete(h.rooms, chatID)
		}
	}
	h.mu.Unlock()

	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, chatID := range emptied {
		if err := h.mirror.Leave(ctx, chatID, c.userID); err != nil {
			h.log.Warn("failed to mirror room leave", zap.String("chat", chatID), zap.String("user", c.userID), zap.Error(err))
		}
	}
}

// Broadcast sends event to every connection joined to chatID.
func (h *Hub) Broadcast(chatID, event string, payload any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[chatID]))
	for c := range h.rooms[chatID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			h.log.Warn("broadcast delivery failed", zap.String("chat", chatID), zap.String("handle", c.id), zap.Error(err))
		}
	}
}

// RoomSize returns the number of connections joined to chatID.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// closeAll drops every connection; their read pumps then run the usual
// disconnect cleanup.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
	}
}
