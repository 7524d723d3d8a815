package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/models"
)

const alice = id.UserID("@alice:example.org")

var upgrader = websocket.Upgrader{}

func (h *Hub) clientCount(userID id.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func serveHub(t *testing.T, hub *Hub, requests chan<- ClientRequest) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, alice)
		hub.Register(client)
		go client.WritePump()
		client.ReadPump(func(req ClientRequest) { requests <- req })
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubForwardsTrustChanges(t *testing.T) {
	hub := NewHub(logger.New("error"))
	changes := models.NewTrustChangeLog(0)
	defer changes.Shutdown()
	hub.Forward(alice, changes)

	conn := serveHub(t, hub, make(chan ClientRequest, 1))
	require.Eventually(t, func() bool { return hub.clientCount(alice) == 1 }, time.Second, 5*time.Millisecond)

	key := models.Key{ID: "ed25519:DEV", Value: "pub"}
	changes.TrustChanged(alice, key, models.CrossSigned(true))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg TrustMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TrustChangeType, msg.Type)
	assert.Equal(t, key, msg.Change.Key)
	assert.Equal(t, models.CrossSigned(true), msg.Change.Level)
	assert.Equal(t, uint64(1), msg.Change.Seq)
}

func TestHubReadsRequestsAndUnregisters(t *testing.T) {
	hub := NewHub(logger.New("error"))
	requests := make(chan ClientRequest, 4)
	conn := serveHub(t, hub, requests)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action": "RESYNC", "since": 3}`)))

	select {
	case req := <-requests:
		assert.Equal(t, ClientRequest{Action: "RESYNC", Since: 3}, req)
	case <-time.After(time.Second):
		t.Fatal("request not delivered")
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.clientCount(alice) == 0 }, time.Second, 5*time.Millisecond)

	// Pushing to an account without clients is a no-op.
	hub.Push(alice, []byte("x"))
}
