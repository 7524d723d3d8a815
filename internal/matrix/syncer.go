package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

// keySyncer runs the state event handlers of a sync response first and
// then feeds its device lists and one-time key count to the core, so room
// membership is current when outdated keys are refreshed.
type keySyncer struct {
	*mautrix.DefaultSyncer
	session *Session
}

func newKeySyncer(s *Session) *keySyncer {
	syncer := &keySyncer{
		DefaultSyncer: mautrix.NewDefaultSyncer(),
		session:       s,
	}
	syncer.OnEventType(event.StateMember, syncer.handleMember)
	syncer.OnEventType(event.StateEncryption, syncer.handleEncryption)
	syncer.OnEventType(event.StateHistoryVisibility, syncer.handleHistoryVisibility)
	return syncer
}

func (k *keySyncer) ProcessResponse(ctx context.Context, resp *mautrix.RespSync, since string) error {
	if err := k.DefaultSyncer.ProcessResponse(ctx, resp, since); err != nil {
		return err
	}

	s := k.session
	if err := s.synchronizer.HandleDeviceLists(ctx, resp.DeviceLists.Changed, resp.DeviceLists.Left); err != nil {
		s.logger.Error("failed to apply device lists", "err", err)
	}
	counts := map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: resp.DeviceOTKCount.SignedCurve25519,
	}
	if err := s.keeper.ReplenishOneTimeKeys(ctx, counts); err != nil {
		s.logger.Warn("failed to replenish one-time keys", "err", err)
	}
	if err := s.synchronizer.UpdateOutdatedKeys(ctx); err != nil {
		s.logger.Warn("failed to update outdated keys", "err", err)
	}
	return nil
}

func (k *keySyncer) updateRoom(ctx context.Context, roomID id.RoomID, fn func(*models.RoomInfo)) bool {
	err := k.session.store.UpdateRoom(ctx, roomID, func(room models.RoomInfo) (models.RoomInfo, error) {
		fn(&room)
		return room, nil
	})
	if err != nil {
		k.session.logger.Error("failed to update room", "room", roomID, "err", err)
		return false
	}
	return true
}

func (k *keySyncer) handleMember(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	userID := id.UserID(evt.GetStateKey())
	if userID == "" {
		return
	}

	ok := k.updateRoom(ctx, evt.RoomID, func(room *models.RoomInfo) {
		next := make(map[id.UserID]event.Membership, len(room.Members)+1)
		for u, m := range room.Members {
			next[u] = m
		}
		next[userID] = member.Membership
		room.Members = next
	})
	if !ok {
		return
	}

	err := k.session.synchronizer.UpdateDeviceKeysFromChangedMembership(ctx, evt.RoomID, userID, member.Membership)
	if err != nil {
		k.session.logger.Error("failed to apply membership change",
			"room", evt.RoomID,
			"member", userID,
			"err", err,
		)
	}
}

func (k *keySyncer) handleEncryption(ctx context.Context, evt *event.Event) {
	var wasEncrypted bool
	ok := k.updateRoom(ctx, evt.RoomID, func(room *models.RoomInfo) {
		wasEncrypted = room.Encrypted
		room.Encrypted = true
	})
	if !ok || wasEncrypted {
		return
	}
	if err := k.session.synchronizer.HandleEncryptionEnabled(ctx, evt.RoomID); err != nil {
		k.session.logger.Error("failed to track members of encrypted room",
			"room", evt.RoomID,
			"err", err,
		)
	}
}

func (k *keySyncer) handleHistoryVisibility(ctx context.Context, evt *event.Event) {
	visibility := evt.Content.AsHistoryVisibility().HistoryVisibility
	k.updateRoom(ctx, evt.RoomID, func(room *models.RoomInfo) {
		room.HistoryVisibility = visibility
	})
}
