package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tidwall/btree"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

const DefaultKeyQueryBatchSize = 25

// OutdatedKeySynchronizer refreshes the keys of users whose device lists
// changed and keeps outbound group sessions in step with their devices.
type OutdatedKeySynchronizer struct {
	keys      store.KeyStore
	rooms     store.RoomStore
	repo      SigningRequestRepository
	trust     *TrustEvaluator
	ownUserID id.UserID
	batchSize int
	logger    *slog.Logger
	group     singleflight.Group
}

func NewOutdatedKeySynchronizer(
	keys store.KeyStore,
	rooms store.RoomStore,
	repo SigningRequestRepository,
	trust *TrustEvaluator,
	ownUserID id.UserID,
	batchSize int,
	logger *slog.Logger,
) *OutdatedKeySynchronizer {
	if batchSize <= 0 {
		batchSize = DefaultKeyQueryBatchSize
	}
	return &OutdatedKeySynchronizer{
		keys:      keys,
		rooms:     rooms,
		repo:      repo,
		trust:     trust,
		ownUserID: ownUserID,
		batchSize: batchSize,
		logger:    logger,
	}
}

// UpdateOutdatedKeys queries the keys of every outdated user once and
// stores them with fresh trust levels. Concurrent calls share one run.
func (s *OutdatedKeySynchronizer) UpdateOutdatedKeys(ctx context.Context) error {
	_, err, _ := s.group.Do("outdated", func() (any, error) {
		return nil, s.updateOutdatedKeys(ctx)
	})
	return err
}

func (s *OutdatedKeySynchronizer) updateOutdatedKeys(ctx context.Context) error {
	users, err := s.keys.GetOutdatedKeys(ctx)
	if err != nil {
		return fmt.Errorf("get outdated keys: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	ordered := btree.NewBTreeG(func(a, b id.UserID) bool { return a < b })
	for _, userID := range users {
		ordered.Set(userID)
	}
	sorted := make([]id.UserID, 0, ordered.Len())
	ordered.Scan(func(userID id.UserID) bool {
		sorted = append(sorted, userID)
		return true
	})

	s.logger.Debug("updating outdated keys", "users", len(sorted))
	resp, err := s.repo.QueryKeys(ctx, sorted)
	if err != nil {
		return fmt.Errorf("query keys: %w", err)
	}

	for batch := range slices.Chunk(sorted, s.batchSize) {
		done := make([]id.UserID, 0, len(batch))
		for _, userID := range batch {
			if err := s.updateUserKeys(ctx, userID, resp); err != nil {
				// the user stays outdated and is retried by the next run
				s.logger.Warn("failed to update keys",
					"target", userID,
					"err", err,
				)
				continue
			}
			done = append(done, userID)
		}
		if err := s.keys.UpdateOutdatedKeys(ctx, nil, done); err != nil {
			return fmt.Errorf("remove users from outdated keys: %w", err)
		}
	}
	return nil
}

func (s *OutdatedKeySynchronizer) updateUserKeys(ctx context.Context, userID id.UserID, resp *models.QueryKeysResponse) error {
	crossSigning := []struct {
		usage id.CrossSigningUsage
		keys  map[id.UserID]models.CrossSigningKeys
	}{
		{id.XSUsageMaster, resp.MasterKeys},
		{id.XSUsageSelfSigning, resp.SelfSigningKeys},
		{id.XSUsageUserSigning, resp.UserSigningKeys},
	}
	for _, cs := range crossSigning {
		keys, ok := cs.keys[userID]
		if !ok {
			continue
		}
		if err := s.handleOutdatedCrossSigningKey(ctx, userID, cs.usage, keys); err != nil {
			return err
		}
	}

	if devices, ok := resp.DeviceKeys[userID]; ok {
		if err := s.handleOutdatedDeviceKeys(ctx, userID, devices); err != nil {
			return err
		}
	}

	err := s.keys.UpdateDeviceKeys(ctx, userID, func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error) {
		if old == nil {
			return map[id.DeviceID]models.StoredDeviceKeys{}, nil
		}
		return old, nil
	})
	if err != nil {
		return fmt.Errorf("mark device keys seen: %w", err)
	}
	err = s.keys.UpdateCrossSigningKeys(ctx, userID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
		if old == nil {
			return models.CrossSigningKeySet{}, nil
		}
		return old, nil
	})
	if err != nil {
		return fmt.Errorf("mark cross-signing keys seen: %w", err)
	}
	return nil
}

func (s *OutdatedKeySynchronizer) handleOutdatedCrossSigningKey(ctx context.Context, userID id.UserID, usage id.CrossSigningUsage, keys models.CrossSigningKeys) error {
	key, ok := keys.SigningKey()
	if keys.UserID != userID || !keys.HasUsage(usage) || !ok {
		s.logger.Warn("ignoring malformed cross-signing key",
			"target", userID,
			"usage", usage,
		)
		return nil
	}

	level, err := s.trust.CalculateCrossSigningKeysTrustLevel(ctx, keys)
	if err != nil {
		return err
	}
	if level.Is(models.TrustInvalid) {
		s.logger.Warn("ignoring cross-signing key with invalid signature",
			"target", userID,
			"usage", usage,
			"reason", level.Reason,
		)
		return nil
	}

	changed := false
	err = s.keys.UpdateCrossSigningKeys(ctx, userID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
		prev, had := old.ByUsage(usage)
		prevKey, _ := prev.Value.SigningKey()
		changed = !had || prevKey != key || prev.TrustLevel != level
		return old.Replace(models.StoredCrossSigningKeys{Value: keys, TrustLevel: level}), nil
	})
	if err != nil {
		return fmt.Errorf("store %s key: %w", usage, err)
	}
	if !changed {
		return nil
	}
	s.trust.notify(userID, key, level)
	return s.trust.UpdateTrustLevelOfKeyChainSignedBy(ctx, userID, key)
}

type deviceDiff struct {
	removed []id.DeviceID
	added   []id.DeviceID
	changed []models.Key

	// identity keys of removed devices and of devices whose curve25519
	// key was replaced
	staleIdentityKeys []id.Curve25519
}

func diffDevices(old, next map[id.DeviceID]models.StoredDeviceKeys) deviceDiff {
	var diff deviceDiff
	for deviceID, prev := range old {
		cur, ok := next[deviceID]
		if !ok {
			diff.removed = append(diff.removed, deviceID)
		}
		if identityKey := prev.Value.IdentityKey(); identityKey != "" && (!ok || cur.Value.IdentityKey() != identityKey) {
			diff.staleIdentityKeys = append(diff.staleIdentityKeys, identityKey)
		}
	}
	for deviceID, stored := range next {
		key, _ := stored.Value.SigningKey()
		prev, ok := old[deviceID]
		if !ok {
			diff.added = append(diff.added, deviceID)
			diff.changed = append(diff.changed, key)
			continue
		}
		if prevKey, _ := prev.Value.SigningKey(); prevKey != key || prev.TrustLevel != stored.TrustLevel {
			diff.changed = append(diff.changed, key)
		}
	}
	slices.Sort(diff.removed)
	slices.Sort(diff.added)
	slices.Sort(diff.staleIdentityKeys)
	return diff
}

func (s *OutdatedKeySynchronizer) handleOutdatedDeviceKeys(ctx context.Context, userID id.UserID, devices map[id.DeviceID]models.DeviceKeys) error {
	next := make(map[id.DeviceID]models.StoredDeviceKeys, len(devices))
	for deviceID, device := range devices {
		if device.UserID != userID || device.DeviceID != deviceID {
			s.logger.Warn("ignoring device keys with mismatching ids",
				"target", userID,
				"device", deviceID,
			)
			continue
		}
		level, err := s.trust.CalculateDeviceKeysTrustLevel(ctx, device)
		if err != nil {
			return err
		}
		if level.Is(models.TrustInvalid) {
			s.logger.Warn("ignoring device keys with invalid signature",
				"target", userID,
				"device", deviceID,
				"reason", level.Reason,
			)
			continue
		}
		next[deviceID] = models.StoredDeviceKeys{Value: device, TrustLevel: level}
	}

	var diff deviceDiff
	err := s.keys.UpdateDeviceKeys(ctx, userID, func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error) {
		diff = diffDevices(old, next)
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("store device keys: %w", err)
	}

	if len(diff.removed) > 0 {
		s.logger.Info("devices removed, resetting outbound sessions",
			"target", userID,
			"devices", diff.removed,
		)
		if err := s.resetOutboundSessions(ctx); err != nil {
			return err
		}
	} else if len(diff.added) > 0 {
		if err := s.queueNewDevices(ctx, userID, diff.added); err != nil {
			return err
		}
	}
	if err := s.forgetOlmSessions(ctx, userID, diff.staleIdentityKeys); err != nil {
		return err
	}

	for _, key := range diff.changed {
		s.trust.notify(userID, key, next[id.DeviceID(key.Name())].TrustLevel)
		if err := s.trust.UpdateTrustLevelOfKeyChainSignedBy(ctx, userID, key); err != nil {
			return err
		}
	}

	for _, device := range next {
		if device.TrustLevel.Is(models.TrustNotCrossSigned) {
			return s.downgradeMasterKey(ctx, userID)
		}
	}
	return nil
}

// downgradeMasterKey turns a verified master key into
// NotAllDeviceKeysCrossSigned(true) while some device is not cross-signed.
func (s *OutdatedKeySynchronizer) downgradeMasterKey(ctx context.Context, userID id.UserID) error {
	var downgraded *models.StoredCrossSigningKeys
	err := s.keys.UpdateCrossSigningKeys(ctx, userID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
		downgraded = nil
		master, ok := old.ByUsage(id.XSUsageMaster)
		if !ok || !master.TrustLevel.IsCrossSignedVerified() {
			return old, nil
		}
		master.TrustLevel = models.NotAllDeviceKeysCrossSigned(true)
		downgraded = &master
		return old.Replace(master), nil
	})
	if err != nil {
		return fmt.Errorf("downgrade master key: %w", err)
	}
	if downgraded != nil {
		key, _ := downgraded.Value.SigningKey()
		s.trust.notify(userID, key, downgraded.TrustLevel)
	}
	return nil
}

func (s *OutdatedKeySynchronizer) resetOutboundSessions(ctx context.Context) error {
	rooms, err := s.rooms.JoinedEncryptedRooms(ctx, s.ownUserID)
	if err != nil {
		return fmt.Errorf("get joined encrypted rooms: %w", err)
	}
	for _, room := range rooms {
		err := s.keys.UpdateOutboundMegolmSession(ctx, room.RoomID, func(*models.StoredOutboundMegolmSession) (*models.StoredOutboundMegolmSession, error) {
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("reset outbound session of %s: %w", room.RoomID, err)
		}
	}
	return nil
}

// forgetOlmSessions drops the olm sessions established with identity keys
// that no device of userID advertises any more.
func (s *OutdatedKeySynchronizer) forgetOlmSessions(ctx context.Context, userID id.UserID, identityKeys []id.Curve25519) error {
	for _, senderKey := range identityKeys {
		sessions, err := s.keys.GetOlmSessions(ctx, senderKey)
		if err != nil {
			return fmt.Errorf("get olm sessions of %s: %w", senderKey, err)
		}
		if len(sessions) == 0 {
			continue
		}
		err = s.keys.UpdateOlmSessions(ctx, senderKey, func([]models.StoredOlmSession) ([]models.StoredOlmSession, error) {
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("delete olm sessions of %s: %w", senderKey, err)
		}
		s.logger.Info("dropped olm sessions of stale identity key",
			"target", userID,
			"sender_key", senderKey,
			"sessions", len(sessions),
		)
	}
	return nil
}

func (s *OutdatedKeySynchronizer) queueNewDevices(ctx context.Context, userID id.UserID, added []id.DeviceID) error {
	rooms, err := s.rooms.JoinedEncryptedRooms(ctx, s.ownUserID)
	if err != nil {
		return fmt.Errorf("get joined encrypted rooms: %w", err)
	}
	for _, room := range rooms {
		if !room.MayReceiveKeys(userID) {
			continue
		}
		err := s.keys.UpdateOutboundMegolmSession(ctx, room.RoomID, func(old *models.StoredOutboundMegolmSession) (*models.StoredOutboundMegolmSession, error) {
			if old == nil {
				return nil, nil
			}
			next := old.WithNewDevices(userID, added)
			return &next, nil
		})
		if err != nil {
			return fmt.Errorf("queue new devices in %s: %w", room.RoomID, err)
		}
	}
	return nil
}
