package crypto

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

const (
	roomA = id.RoomID("!a:example.org")
	roomB = id.RoomID("!b:example.org")
)

func (f *fakeHomeserver) publish(t *testing.T, ident *identity) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crossSigning[ident.userID] = map[id.CrossSigningUsage]models.CrossSigningKeys{
		id.XSUsageMaster:      ident.masterKeys(t),
		id.XSUsageSelfSigning: ident.selfSigningKeys(t),
		id.XSUsageUserSigning: ident.userSigningKeys(t),
	}
}

func (f *fakeHomeserver) removeDevice(userID id.UserID, deviceID id.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices[userID], deviceID)
}

func setRoom(t *testing.T, env *testEnv, roomID id.RoomID, encrypted bool, members map[id.UserID]event.Membership) {
	t.Helper()
	err := env.store.UpdateRoom(context.Background(), roomID, func(old models.RoomInfo) (models.RoomInfo, error) {
		old.Encrypted = encrypted
		old.Members = members
		return old, nil
	})
	require.NoError(t, err)
}

func startOutboundSession(t *testing.T, env *testEnv, roomID id.RoomID) {
	t.Helper()
	err := env.store.UpdateOutboundMegolmSession(context.Background(), roomID, func(*models.StoredOutboundMegolmSession) (*models.StoredOutboundMegolmSession, error) {
		return &models.StoredOutboundMegolmSession{RoomID: roomID, SessionID: "session"}, nil
	})
	require.NoError(t, err)
}

func syncUsers(t *testing.T, env *testEnv, sync *OutdatedKeySynchronizer, users ...id.UserID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.UpdateOutdatedKeys(ctx, users, nil))
	require.NoError(t, sync.UpdateOutdatedKeys(ctx))
}

func TestUpdateOutdatedKeysStoresQueriedKeys(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	bobID := newIdentity(t, bob)
	hs.publish(t, bobID)
	_, device := newDevice(t, bob, "BOBDEV")
	hs.addDevice(signedBy(t, device, bobID.selfSigning, bob))

	syncUsers(t, env, sync, bob, carol)

	outdated, err := env.store.GetOutdatedKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, outdated)

	assert.Equal(t, models.CrossSigned(false), storedCrossSigning(t, env, bob, id.XSUsageMaster).TrustLevel)
	assert.Equal(t, models.CrossSigned(false), storedCrossSigning(t, env, bob, id.XSUsageSelfSigning).TrustLevel)
	assert.Equal(t, models.CrossSigned(false), storedDevice(t, env, bob, "BOBDEV").TrustLevel)

	set, err := env.store.GetCrossSigningKeys(ctx, bob)
	require.NoError(t, err)
	_, hasUSK := set.ByUsage(id.XSUsageUserSigning)
	assert.False(t, hasUSK)

	devices, err := env.store.GetDeviceKeys(ctx, carol)
	require.NoError(t, err)
	assert.NotNil(t, devices)
	assert.Empty(t, devices)
}

func TestUpdateOutdatedKeysInSmallBatches(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := NewOutdatedKeySynchronizer(env.store, env.store, hs, env.trust, alice, 1, logger.New("error"))

	for _, userID := range []id.UserID{bob, carol} {
		_, device := newDevice(t, userID, "DEV")
		hs.addDevice(device)
	}
	syncUsers(t, env, sync, bob, carol)

	for _, userID := range []id.UserID{bob, carol} {
		assert.Equal(t, models.Valid(false), storedDevice(t, env, userID, "DEV").TrustLevel)
	}
	outdated, err := env.store.GetOutdatedKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, outdated)
}

// failingKeyStore refuses to store the device keys of one user.
type failingKeyStore struct {
	store.KeyStore
	user id.UserID
}

func (s failingKeyStore) UpdateDeviceKeys(ctx context.Context, userID id.UserID, fn store.DeviceKeysUpdate) error {
	if userID == s.user {
		return errors.New("disk full")
	}
	return s.KeyStore.UpdateDeviceKeys(ctx, userID, fn)
}

func TestUpdateOutdatedKeysContinuesAfterUserError(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil)).With("user", alice)
	keys := failingKeyStore{KeyStore: env.store, user: bob}
	sync := NewOutdatedKeySynchronizer(keys, env.store, hs, env.trust, alice, 1, log)

	for _, userID := range []id.UserID{bob, carol} {
		_, device := newDevice(t, userID, "DEV")
		hs.addDevice(device)
	}
	syncUsers(t, env, sync, bob, carol)

	assert.Equal(t, models.Valid(false), storedDevice(t, env, carol, "DEV").TrustLevel)
	outdated, err := env.store.GetOutdatedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{bob}, outdated)

	require.Contains(t, logs.String(), "failed to update keys")
	for line := range strings.Lines(logs.String()) {
		assert.Equal(t, 1, strings.Count(line, " user="), line)
	}
	assert.Contains(t, logs.String(), "target="+string(bob))
}

func TestRotatedCrossSigningKeyReplacesOld(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	hs.publish(t, newIdentity(t, bob))
	syncUsers(t, env, sync, bob)

	rotated := newIdentity(t, bob)
	hs.publish(t, rotated)
	syncUsers(t, env, sync, bob)

	set, err := env.store.GetCrossSigningKeys(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	master := storedCrossSigning(t, env, bob, id.XSUsageMaster)
	key, _ := master.Value.SigningKey()
	assert.Equal(t, rotated.master.PublicKey(), key.Value)
}

func TestInvalidDeviceKeysAreNotStored(t *testing.T) {
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	_, good := newDevice(t, bob, "GOOD")
	_, bad := newDevice(t, bob, "BAD")
	bad.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, "BAD")] = "tampered"
	hs.addDevice(good)
	hs.addDevice(bad)

	syncUsers(t, env, sync, bob)

	devices, err := env.store.GetDeviceKeys(context.Background(), bob)
	require.NoError(t, err)
	assert.Contains(t, devices, id.DeviceID("GOOD"))
	assert.NotContains(t, devices, id.DeviceID("BAD"))
}

func TestRemovedDeviceResetsOutboundSessions(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	setRoom(t, env, roomA, true, map[id.UserID]event.Membership{alice: event.MembershipJoin, bob: event.MembershipJoin})
	setRoom(t, env, roomB, true, map[id.UserID]event.Membership{alice: event.MembershipJoin})
	for _, deviceID := range []id.DeviceID{"B1", "B2"} {
		_, device := newDevice(t, bob, deviceID)
		hs.addDevice(device)
	}
	syncUsers(t, env, sync, bob)
	startOutboundSession(t, env, roomA)
	startOutboundSession(t, env, roomB)

	hs.removeDevice(bob, "B2")
	syncUsers(t, env, sync, bob)

	for _, roomID := range []id.RoomID{roomA, roomB} {
		session, err := env.store.GetOutboundMegolmSession(ctx, roomID)
		require.NoError(t, err)
		assert.Nil(t, session, roomID)
	}
	devices, err := env.store.GetDeviceKeys(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRemovedDeviceDropsOlmSessions(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	identityKeys := make(map[id.DeviceID]id.Curve25519)
	for _, deviceID := range []id.DeviceID{"B1", "B2"} {
		_, device := newDevice(t, bob, deviceID)
		hs.addDevice(device)
		identityKeys[deviceID] = device.IdentityKey()
		err := env.store.UpdateOlmSessions(ctx, device.IdentityKey(), func([]models.StoredOlmSession) ([]models.StoredOlmSession, error) {
			return []models.StoredOlmSession{{SessionID: id.SessionID("olm-" + deviceID), SenderKey: device.IdentityKey()}}, nil
		})
		require.NoError(t, err)
	}
	syncUsers(t, env, sync, bob)

	hs.removeDevice(bob, "B2")
	syncUsers(t, env, sync, bob)

	kept, err := env.store.GetOlmSessions(ctx, identityKeys["B1"])
	require.NoError(t, err)
	assert.Len(t, kept, 1)
	dropped, err := env.store.GetOlmSessions(ctx, identityKeys["B2"])
	require.NoError(t, err)
	assert.Empty(t, dropped)
}

func TestAddedDeviceIsQueuedForKeyShare(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	setRoom(t, env, roomA, true, map[id.UserID]event.Membership{alice: event.MembershipJoin, bob: event.MembershipJoin})
	setRoom(t, env, roomB, true, map[id.UserID]event.Membership{alice: event.MembershipJoin, bob: event.MembershipInvite})
	_, first := newDevice(t, bob, "B1")
	hs.addDevice(first)
	syncUsers(t, env, sync, bob)
	startOutboundSession(t, env, roomA)
	startOutboundSession(t, env, roomB)

	_, second := newDevice(t, bob, "B2")
	hs.addDevice(second)
	syncUsers(t, env, sync, bob)

	session, err := env.store.GetOutboundMegolmSession(ctx, roomA)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, map[id.UserID]map[id.DeviceID]bool{bob: {"B2": true}}, session.NewDevices)

	session, err = env.store.GetOutboundMegolmSession(ctx, roomB)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Empty(t, session.NewDevices)
}

func TestUnsignedMasterKeyPolicy(t *testing.T) {
	ctx := context.Background()
	carolID := newIdentity(t, carol)
	unsigned := models.NewCrossSigningKeys(carol, id.XSUsageMaster, carolID.master.PublicKey())

	t.Run("trusted on first use", func(t *testing.T) {
		hs := newFakeHomeserver()
		hs.crossSigning[carol] = map[id.CrossSigningUsage]models.CrossSigningKeys{id.XSUsageMaster: unsigned}
		env := newTestEnv(t, hs)
		syncUsers(t, env, env.synchronizer(hs), carol)

		assert.Equal(t, models.CrossSigned(false), storedCrossSigning(t, env, carol, id.XSUsageMaster).TrustLevel)
	})

	t.Run("rejected", func(t *testing.T) {
		hs := newFakeHomeserver()
		hs.crossSigning[carol] = map[id.CrossSigningUsage]models.CrossSigningKeys{id.XSUsageMaster: unsigned}
		env := newTestEnv(t, hs)
		log := logger.New("error")
		strict := NewTrustEvaluator(env.store, env.secrets, hs, env.account, TrustPolicy{}, log)
		syncUsers(t, env, NewOutdatedKeySynchronizer(env.store, env.store, hs, strict, alice, 0, log), carol)

		set, err := env.store.GetCrossSigningKeys(ctx, carol)
		require.NoError(t, err)
		assert.NotNil(t, set)
		assert.Empty(t, set)
	})
}

func TestDeviceNotCrossSignedDowngradesVerifiedMaster(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHomeserver()
	env := newTestEnv(t, hs)
	sync := env.synchronizer(hs)

	bobID := newIdentity(t, bob)
	hs.publish(t, bobID)
	require.NoError(t, env.store.SaveVerificationState(ctx, bob, bobID.master.Key().ID, models.VerifiedKey(bobID.master.PublicKey())))

	_, signed := newDevice(t, bob, "SIGNED")
	hs.addDevice(signedBy(t, signed, bobID.selfSigning, bob))
	syncUsers(t, env, sync, bob)
	require.Equal(t, models.CrossSigned(true), storedCrossSigning(t, env, bob, id.XSUsageMaster).TrustLevel)
	require.Equal(t, models.CrossSigned(true), storedDevice(t, env, bob, "SIGNED").TrustLevel)

	observer := &recordingObserver{}
	env.trust.SetObserver(observer)

	_, unsigned := newDevice(t, bob, "UNSIGNED")
	hs.addDevice(unsigned)
	syncUsers(t, env, sync, bob)

	assert.Equal(t, models.NotCrossSigned(), storedDevice(t, env, bob, "UNSIGNED").TrustLevel)
	assert.Equal(t, models.NotAllDeviceKeysCrossSigned(true), storedCrossSigning(t, env, bob, id.XSUsageMaster).TrustLevel)
	assert.Contains(t, observer.changes, models.NotAllDeviceKeysCrossSigned(true))
}
