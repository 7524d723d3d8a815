package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/arko-chat/keytrust/internal/ws"
)

const actionResync = "RESYNC"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleTrustWS streams the account's trust changes. A RESYNC request
// replays the retained changes after its sequence number.
func (h *Handler) HandleTrustWS(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user", userID, "err", err)
		return
	}

	client := ws.NewClient(h.hub, conn, userID)
	h.hub.Register(client)
	go client.WritePump()

	client.ReadPump(func(req ws.ClientRequest) {
		if req.Action != actionResync {
			return
		}
		changes, err := h.svc.TrustChanges(userID, req.Since)
		if err != nil {
			h.logger.Warn("ws resync failed", "user", userID, "err", err)
			return
		}
		for _, c := range changes {
			select {
			case client.Send <- ws.NewTrustMessage(c):
			default:
				h.logger.Warn("ws dropped resync message", "user", userID)
				return
			}
		}
	})
}
