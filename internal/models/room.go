package models

import (
	"slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomInfo is the slice of room state the key tracking logic needs.
type RoomInfo struct {
	RoomID            id.RoomID                      `json:"room_id"`
	Encrypted         bool                           `json:"encrypted"`
	HistoryVisibility event.HistoryVisibility        `json:"history_visibility,omitempty"`
	Members           map[id.UserID]event.Membership `json:"members"`
}

// MembershipsAllowedToReceiveKey lists the memberships that may receive
// room keys under the room's history visibility.
func (r RoomInfo) MembershipsAllowedToReceiveKey() []event.Membership {
	switch r.HistoryVisibility {
	case event.HistoryVisibilityWorldReadable, event.HistoryVisibilityShared, event.HistoryVisibilityInvited:
		return []event.Membership{event.MembershipJoin, event.MembershipInvite}
	default:
		return []event.Membership{event.MembershipJoin}
	}
}

func (r RoomInfo) MayReceiveKeys(userID id.UserID) bool {
	membership, ok := r.Members[userID]
	if !ok {
		return false
	}
	return slices.Contains(r.MembershipsAllowedToReceiveKey(), membership)
}

// IsMember reports a joined or invited membership.
func (r RoomInfo) IsMember(userID id.UserID) bool {
	m := r.Members[userID]
	return m == event.MembershipJoin || m == event.MembershipInvite
}
