package models

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// StoredOlmSession is a pickled Olm session with one remote identity key.
type StoredOlmSession struct {
	SessionID  id.SessionID  `json:"session_id"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	Pickled    string        `json:"pickled"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
}

type StoredInboundMegolmSession struct {
	SessionID        id.SessionID  `json:"session_id"`
	RoomID           id.RoomID     `json:"room_id"`
	SenderKey        id.Curve25519 `json:"sender_key"`
	SenderSigningKey id.Ed25519    `json:"sender_signing_key"`
	FirstKnownIndex  uint32        `json:"first_known_index"`
	HasBeenBackedUp  bool          `json:"has_been_backed_up"`
	Pickled          string        `json:"pickled"`
}

// StoredOutboundMegolmSession is the room's current outbound group session.
// NewDevices lists devices that appeared since the session key was last
// shared and still need to receive it.
type StoredOutboundMegolmSession struct {
	RoomID                id.RoomID                          `json:"room_id"`
	SessionID             id.SessionID                       `json:"session_id"`
	CreatedAt             time.Time                          `json:"created_at"`
	EncryptedMessageCount int                                `json:"encrypted_message_count"`
	NewDevices            map[id.UserID]map[id.DeviceID]bool `json:"new_devices,omitempty"`
	Pickled               string                             `json:"pickled"`
}

// WithNewDevices returns a copy that queues devices for the next key share.
func (s StoredOutboundMegolmSession) WithNewDevices(userID id.UserID, devices []id.DeviceID) StoredOutboundMegolmSession {
	next := make(map[id.UserID]map[id.DeviceID]bool, len(s.NewDevices)+1)
	for u, devs := range s.NewDevices {
		inner := make(map[id.DeviceID]bool, len(devs))
		for d := range devs {
			inner[d] = true
		}
		next[u] = inner
	}
	if next[userID] == nil {
		next[userID] = make(map[id.DeviceID]bool, len(devices))
	}
	for _, d := range devices {
		next[userID][d] = true
	}
	s.NewDevices = next
	return s
}

type StoredMegolmMessageIndex struct {
	SessionID       id.SessionID `json:"session_id"`
	RoomID          id.RoomID    `json:"room_id"`
	MessageIndex    uint32       `json:"message_index"`
	EventID         id.EventID   `json:"event_id"`
	OriginTimestamp int64        `json:"origin_timestamp"`
}

// PendingSignature is a signed key object whose upload has not been
// accepted by the homeserver yet.
type PendingSignature struct {
	UserID   id.UserID `json:"user_id"`
	KeyName  string    `json:"key_name"`
	Object   []byte    `json:"object"`
	QueuedAt time.Time `json:"queued_at"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"last_error,omitempty"`
}
