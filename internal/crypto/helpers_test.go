package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/olm"
	"github.com/arko-chat/keytrust/internal/store/badgerstore"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
	carol = id.UserID("@carol:example.org")
)

type testEnv struct {
	store   *badgerstore.Store
	secrets *credentials.SecretStore
	account *olm.Account
	trust   *TrustEvaluator
}

func newTestEnv(t *testing.T, repo SigningRequestRepository) *testEnv {
	t.Helper()
	keyring.MockInit()
	log := logger.New("error")

	s, err := badgerstore.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	account, err := olm.NewAccount(alice, "ALICEDEV")
	require.NoError(t, err)

	secrets := credentials.NewSecretStore(alice)
	return &testEnv{
		store:   s,
		secrets: secrets,
		account: account,
		trust:   NewTrustEvaluator(s, secrets, repo, account, DefaultTrustPolicy(), log),
	}
}

func (e *testEnv) synchronizer(repo SigningRequestRepository) *OutdatedKeySynchronizer {
	return NewOutdatedKeySynchronizer(e.store, e.store, repo, e.trust, alice, 0, logger.New("error"))
}

// identity is a test user's cross-signing key set.
type identity struct {
	userID      id.UserID
	master      *olm.SigningKey
	selfSigning *olm.SigningKey
	userSigning *olm.SigningKey
}

func newIdentity(t *testing.T, userID id.UserID) *identity {
	t.Helper()
	ident := &identity{userID: userID}
	var err error
	ident.master, err = olm.NewSigningKey()
	require.NoError(t, err)
	ident.selfSigning, err = olm.NewSigningKey()
	require.NoError(t, err)
	ident.userSigning, err = olm.NewSigningKey()
	require.NoError(t, err)
	return ident
}

func signWith(t *testing.T, signer *olm.SigningKey, signerUser id.UserID, obj any) models.Signatures {
	t.Helper()
	sig, err := signer.SignJSON(obj)
	require.NoError(t, err)
	return models.Signatures{signerUser: {signer.Key().ID: sig}}
}

func (i *identity) masterKeys(t *testing.T) models.CrossSigningKeys {
	keys := models.NewCrossSigningKeys(i.userID, id.XSUsageMaster, i.master.PublicKey())
	return keys.WithSignatures(signWith(t, i.master, i.userID, keys))
}

func (i *identity) selfSigningKeys(t *testing.T) models.CrossSigningKeys {
	keys := models.NewCrossSigningKeys(i.userID, id.XSUsageSelfSigning, i.selfSigning.PublicKey())
	return keys.WithSignatures(signWith(t, i.master, i.userID, keys))
}

func (i *identity) userSigningKeys(t *testing.T) models.CrossSigningKeys {
	keys := models.NewCrossSigningKeys(i.userID, id.XSUsageUserSigning, i.userSigning.PublicKey())
	return keys.WithSignatures(signWith(t, i.master, i.userID, keys))
}

func newDevice(t *testing.T, userID id.UserID, deviceID id.DeviceID) (*olm.Account, models.DeviceKeys) {
	t.Helper()
	account, err := olm.NewAccount(userID, deviceID)
	require.NoError(t, err)
	keys, err := account.DeviceKeys()
	require.NoError(t, err)
	return account, keys
}

func storeCrossSigning(t *testing.T, env *testEnv, keys models.CrossSigningKeys, level models.TrustLevel) {
	t.Helper()
	err := env.store.UpdateCrossSigningKeys(context.Background(), keys.UserID, func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error) {
		return old.Replace(models.StoredCrossSigningKeys{Value: keys, TrustLevel: level}), nil
	})
	require.NoError(t, err)
}

func storeDevice(t *testing.T, env *testEnv, keys models.DeviceKeys, level models.TrustLevel) {
	t.Helper()
	err := env.store.UpdateDeviceKeys(context.Background(), keys.UserID, func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error) {
		next := map[id.DeviceID]models.StoredDeviceKeys{}
		for k, v := range old {
			next[k] = v
		}
		next[keys.DeviceID] = models.StoredDeviceKeys{Value: keys, TrustLevel: level}
		return next, nil
	})
	require.NoError(t, err)
}

func storedDevice(t *testing.T, env *testEnv, userID id.UserID, deviceID id.DeviceID) models.StoredDeviceKeys {
	t.Helper()
	devices, err := env.store.GetDeviceKeys(context.Background(), userID)
	require.NoError(t, err)
	device, ok := devices[deviceID]
	require.True(t, ok, "device %s of %s not stored", deviceID, userID)
	return device
}

func storedCrossSigning(t *testing.T, env *testEnv, userID id.UserID, usage id.CrossSigningUsage) models.StoredCrossSigningKeys {
	t.Helper()
	set, err := env.store.GetCrossSigningKeys(context.Background(), userID)
	require.NoError(t, err)
	keys, ok := set.ByUsage(usage)
	require.True(t, ok, "%s key of %s not stored", usage, userID)
	return keys
}

// mockRepo records homeserver calls where only the call shape matters.
type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) UploadKeys(ctx context.Context, req models.UploadKeysRequest) (map[id.KeyAlgorithm]int, error) {
	args := m.Called(ctx, req)
	counts, _ := args.Get(0).(map[id.KeyAlgorithm]int)
	return counts, args.Error(1)
}

func (m *mockRepo) QueryKeys(ctx context.Context, users []id.UserID) (*models.QueryKeysResponse, error) {
	args := m.Called(ctx, users)
	resp, _ := args.Get(0).(*models.QueryKeysResponse)
	return resp, args.Error(1)
}

func (m *mockRepo) ClaimKeys(ctx context.Context, devices map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*models.ClaimKeysResponse, error) {
	args := m.Called(ctx, devices)
	resp, _ := args.Get(0).(*models.ClaimKeysResponse)
	return resp, args.Error(1)
}

func (m *mockRepo) UploadSignatures(ctx context.Context, upload models.SignatureUpload) (models.SignatureFailures, error) {
	args := m.Called(ctx, upload)
	failures, _ := args.Get(0).(models.SignatureFailures)
	return failures, args.Error(1)
}

func (m *mockRepo) UploadCrossSigningKeys(ctx context.Context, keys models.CrossSigningUpload, auth AuthCallback) error {
	return m.Called(ctx, keys, auth).Error(0)
}

func (m *mockRepo) SendToDevice(ctx context.Context, messages []models.ToDeviceMessage) error {
	return m.Called(ctx, messages).Error(0)
}

func (m *mockRepo) CreateBackupVersion(ctx context.Context, algorithm string, authData models.RoomKeyBackupAuthData) (string, error) {
	args := m.Called(ctx, algorithm, authData)
	return args.String(0), args.Error(1)
}

func (m *mockRepo) GetAccountData(ctx context.Context, eventType string, out any) error {
	return m.Called(ctx, eventType, out).Error(0)
}

func (m *mockRepo) SetAccountData(ctx context.Context, eventType string, content any) error {
	return m.Called(ctx, eventType, content).Error(0)
}

var errAuthRequired = errors.New("interactive auth required")

// fakeHomeserver keeps enough server state for end to end flows: uploaded
// keys are returned by QueryKeys and uploaded signatures are merged in.
type fakeHomeserver struct {
	mu           sync.Mutex
	devices      map[id.UserID]map[id.DeviceID]models.DeviceKeys
	crossSigning map[id.UserID]map[id.CrossSigningUsage]models.CrossSigningKeys
	accountData  map[string]json.RawMessage
	backups      []models.RoomKeyBackupAuthData
	requireAuth  bool
	authSessions []string
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		devices:      make(map[id.UserID]map[id.DeviceID]models.DeviceKeys),
		crossSigning: make(map[id.UserID]map[id.CrossSigningUsage]models.CrossSigningKeys),
		accountData:  make(map[string]json.RawMessage),
	}
}

func (f *fakeHomeserver) addDevice(keys models.DeviceKeys) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devices[keys.UserID] == nil {
		f.devices[keys.UserID] = make(map[id.DeviceID]models.DeviceKeys)
	}
	f.devices[keys.UserID][keys.DeviceID] = keys
}

func (f *fakeHomeserver) UploadKeys(_ context.Context, req models.UploadKeysRequest) (map[id.KeyAlgorithm]int, error) {
	if req.DeviceKeys != nil {
		f.addDevice(*req.DeviceKeys)
	}
	return map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: len(req.OneTimeKeys)}, nil
}

func (f *fakeHomeserver) QueryKeys(_ context.Context, users []id.UserID) (*models.QueryKeysResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &models.QueryKeysResponse{
		DeviceKeys:      make(map[id.UserID]map[id.DeviceID]models.DeviceKeys),
		MasterKeys:      make(map[id.UserID]models.CrossSigningKeys),
		SelfSigningKeys: make(map[id.UserID]models.CrossSigningKeys),
		UserSigningKeys: make(map[id.UserID]models.CrossSigningKeys),
	}
	for _, userID := range users {
		devices := make(map[id.DeviceID]models.DeviceKeys)
		for deviceID, keys := range f.devices[userID] {
			devices[deviceID] = keys.WithSignatures(nil)
		}
		resp.DeviceKeys[userID] = devices
		if k, ok := f.crossSigning[userID][id.XSUsageMaster]; ok {
			resp.MasterKeys[userID] = k.WithSignatures(nil)
		}
		if k, ok := f.crossSigning[userID][id.XSUsageSelfSigning]; ok {
			resp.SelfSigningKeys[userID] = k.WithSignatures(nil)
		}
		if k, ok := f.crossSigning[userID][id.XSUsageUserSigning]; ok && userID == alice {
			resp.UserSigningKeys[userID] = k.WithSignatures(nil)
		}
	}
	return resp, nil
}

func (f *fakeHomeserver) ClaimKeys(context.Context, map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*models.ClaimKeysResponse, error) {
	return &models.ClaimKeysResponse{}, nil
}

func (f *fakeHomeserver) UploadSignatures(_ context.Context, upload models.SignatureUpload) (models.SignatureFailures, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failures := models.SignatureFailures{}
	for userID, objects := range upload {
		for keyName, raw := range objects {
			var signed struct {
				Signatures models.Signatures `json:"signatures"`
			}
			if err := json.Unmarshal(raw, &signed); err != nil {
				return nil, err
			}
			if device, ok := f.devices[userID][id.DeviceID(keyName)]; ok {
				f.devices[userID][id.DeviceID(keyName)] = device.WithSignatures(signed.Signatures)
				continue
			}
			found := false
			for usage, keys := range f.crossSigning[userID] {
				if k, _ := keys.SigningKey(); k.Name() == keyName {
					f.crossSigning[userID][usage] = keys.WithSignatures(signed.Signatures)
					found = true
				}
			}
			if !found {
				if failures[userID] == nil {
					failures[userID] = make(map[string]models.SignatureFailure)
				}
				failures[userID][keyName] = models.SignatureFailure{ErrCode: "M_NOT_FOUND", Error: "unknown key"}
			}
		}
	}
	if len(failures) == 0 {
		return nil, nil
	}
	return failures, nil
}

func (f *fakeHomeserver) UploadCrossSigningKeys(_ context.Context, keys models.CrossSigningUpload, auth AuthCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requireAuth {
		if auth == nil {
			return errAuthRequired
		}
		dict, _ := auth("uia-session").(map[string]any)
		session, _ := dict["session"].(string)
		f.authSessions = append(f.authSessions, session)
	}
	userID := keys.MasterKey.UserID
	f.crossSigning[userID] = map[id.CrossSigningUsage]models.CrossSigningKeys{
		id.XSUsageMaster:      keys.MasterKey,
		id.XSUsageSelfSigning: keys.SelfSigningKey,
		id.XSUsageUserSigning: keys.UserSigningKey,
	}
	return nil
}

func (f *fakeHomeserver) SendToDevice(context.Context, []models.ToDeviceMessage) error {
	return nil
}

func (f *fakeHomeserver) CreateBackupVersion(_ context.Context, _ string, authData models.RoomKeyBackupAuthData) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, authData)
	return "1", nil
}

func (f *fakeHomeserver) GetAccountData(_ context.Context, eventType string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.accountData[eventType]
	if !ok {
		return ErrAccountDataNotFound
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeHomeserver) SetAccountData(_ context.Context, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountData[eventType] = raw
	return nil
}
