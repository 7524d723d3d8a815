package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

// Hub fans messages out to the websocket clients of each account.
type Hub struct {
	mu      sync.RWMutex
	clients map[id.UserID]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[id.UserID]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[*Client]struct{})
	}
	h.clients[c.UserID][c] = struct{}{}
	h.logger.Debug("ws register",
		"user", c.UserID,
		"clients", len(h.clients[c.UserID]),
	)
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.UserID][c]; !ok {
		return
	}
	delete(h.clients[c.UserID], c)
	close(c.Send)
	if len(h.clients[c.UserID]) == 0 {
		delete(h.clients, c.UserID)
	}
	h.logger.Debug("ws unregister", "user", c.UserID)
}

func (h *Hub) Push(userID id.UserID, data []byte) {
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn("ws dropped message", "user", userID)
		}
	}
}

// TrustMessage is pushed for every trust level change of an account.
type TrustMessage struct {
	Type   string             `json:"type"`
	Change models.TrustChange `json:"change"`
}

const TrustChangeType = "trust_change"

func NewTrustMessage(change models.TrustChange) []byte {
	data, _ := json.Marshal(TrustMessage{Type: TrustChangeType, Change: change})
	return data
}

// Forward pushes every change recorded in log to userID's clients until
// the returned listener is closed.
func (h *Hub) Forward(userID id.UserID, log *models.TrustChangeLog) uint64 {
	return log.Listen(context.Background(), func(c models.TrustChange) {
		h.Push(userID, NewTrustMessage(c))
	})
}
