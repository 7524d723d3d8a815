package crypto

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func (s *OutdatedKeySynchronizer) isTracked(ctx context.Context, userID id.UserID) (bool, error) {
	devices, err := s.keys.GetDeviceKeys(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get device keys of %s: %w", userID, err)
	}
	return devices != nil, nil
}

// HandleDeviceLists applies the device_lists section of a sync response.
// Changed users are only refreshed when they are tracked already; users
// that left are no longer tracked.
func (s *OutdatedKeySynchronizer) HandleDeviceLists(ctx context.Context, changed, left []id.UserID) error {
	var outdated, untracked []id.UserID
	for _, userID := range changed {
		tracked, err := s.isTracked(ctx, userID)
		if err != nil {
			return err
		}
		if tracked {
			outdated = append(outdated, userID)
		}
	}
	for _, userID := range left {
		if userID == s.ownUserID {
			continue
		}
		if err := s.stopTracking(ctx, userID); err != nil {
			return err
		}
		untracked = append(untracked, userID)
	}
	if len(outdated) == 0 && len(untracked) == 0 {
		return nil
	}
	if err := s.keys.UpdateOutdatedKeys(ctx, outdated, untracked); err != nil {
		return fmt.Errorf("update outdated keys: %w", err)
	}
	return nil
}

// UpdateDeviceKeysFromChangedMembership starts tracking users joining or
// invited to an encrypted room and stops tracking users that no longer
// share any encrypted room with the own user. The room store must already
// hold the new membership.
func (s *OutdatedKeySynchronizer) UpdateDeviceKeysFromChangedMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room %s: %w", roomID, err)
	}
	if room == nil || !room.Encrypted {
		return nil
	}

	switch membership {
	case event.MembershipJoin, event.MembershipInvite:
		return s.startTracking(ctx, userID)
	case event.MembershipLeave, event.MembershipBan:
		if userID != s.ownUserID {
			return s.stopTrackingIfUnshared(ctx, userID)
		}
		for member := range room.Members {
			if member == s.ownUserID {
				continue
			}
			if err := s.stopTrackingIfUnshared(ctx, member); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleEncryptionEnabled starts tracking every joined or invited member
// of a room that just turned on encryption.
func (s *OutdatedKeySynchronizer) HandleEncryptionEnabled(ctx context.Context, roomID id.RoomID) error {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room %s: %w", roomID, err)
	}
	if room == nil {
		return nil
	}
	for member := range room.Members {
		if !room.IsMember(member) {
			continue
		}
		if err := s.startTracking(ctx, member); err != nil {
			return err
		}
	}
	return nil
}

func (s *OutdatedKeySynchronizer) startTracking(ctx context.Context, userID id.UserID) error {
	tracked, err := s.isTracked(ctx, userID)
	if err != nil || tracked {
		return err
	}
	s.logger.Debug("tracking device keys", "target", userID)
	if err := s.keys.UpdateOutdatedKeys(ctx, []id.UserID{userID}, nil); err != nil {
		return fmt.Errorf("mark %s outdated: %w", userID, err)
	}
	return nil
}

func (s *OutdatedKeySynchronizer) stopTrackingIfUnshared(ctx context.Context, userID id.UserID) error {
	if userID == s.ownUserID {
		return nil
	}
	rooms, err := s.rooms.JoinedEncryptedRooms(ctx, s.ownUserID)
	if err != nil {
		return fmt.Errorf("get joined encrypted rooms: %w", err)
	}
	for _, room := range rooms {
		if room.IsMember(userID) {
			return nil
		}
	}
	if err := s.stopTracking(ctx, userID); err != nil {
		return err
	}
	return s.keys.UpdateOutdatedKeys(ctx, nil, []id.UserID{userID})
}

// stopTracking drops every cached key of userID so trust is rebuilt from
// scratch when the user is seen again.
func (s *OutdatedKeySynchronizer) stopTracking(ctx context.Context, userID id.UserID) error {
	s.logger.Debug("no longer tracking device keys", "target", userID)
	if err := s.keys.DeleteDeviceKeys(ctx, userID); err != nil {
		return fmt.Errorf("delete device keys of %s: %w", userID, err)
	}
	if err := s.keys.DeleteCrossSigningKeys(ctx, userID); err != nil {
		return fmt.Errorf("delete cross-signing keys of %s: %w", userID, err)
	}
	return nil
}
