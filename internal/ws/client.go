package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"maunium.net/go/mautrix/id"
)

const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = PongWait * 9 / 10
	MaxMessageSize = 4096

	sendBuffer = 256
)

// ClientRequest is a message sent by the UI.
type ClientRequest struct {
	Action string `json:"action"`
	Since  uint64 `json:"since,omitempty"`
}

type Client struct {
	Conn   *websocket.Conn
	Send   chan []byte
	UserID id.UserID

	hub       *Hub
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID id.UserID) *Client {
	return &Client{
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		UserID: userID,
		hub:    hub,
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump hands every well formed request to onRequest until the
// connection fails, then unregisters the client.
func (c *Client) ReadPump(onRequest func(ClientRequest)) {
	defer c.Close()

	c.Conn.SetReadLimit(MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		var req ClientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		if req.Action == "" {
			continue
		}
		onRequest(req)
	}
}

// Close unregisters the client, which ends its WritePump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.hub.Unregister(c)
	})
}
