package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/models"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
)

// fakeServer records the decoded body of every request by path.
type fakeServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu     sync.Mutex
	bodies map[string][]map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		mux:    http.NewServeMux(),
		bodies: make(map[string][]map[string]any),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.bodies[r.Method+" "+r.URL.Path] = append(f.bodies[r.Method+" "+r.URL.Path], body)
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) requests(route string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[route]
}

func (f *fakeServer) reply(pattern string, status int, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func newTestRepository(t *testing.T, f *fakeServer) *Repository {
	t.Helper()
	client, err := mautrix.NewClient(f.URL, alice, "token")
	require.NoError(t, err)
	client.DeviceID = "ALICEDEV"
	return NewRepository(client, logger.New("error"))
}

func TestQueryKeys(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/keys/query", http.StatusOK, `{
		"device_keys": {"@bob:example.org": {"BOBDEV": {
			"user_id": "@bob:example.org", "device_id": "BOBDEV",
			"algorithms": ["m.olm.v1.curve25519-aes-sha2"],
			"keys": {"ed25519:BOBDEV": "edkey"}
		}}},
		"master_keys": {"@bob:example.org": {
			"user_id": "@bob:example.org", "usage": ["master"], "keys": {"ed25519:mk": "mk"}
		}},
		"failures": {"remote.example": {"errcode": "M_UNAVAILABLE"}}
	}`)
	repo := newTestRepository(t, f)

	resp, err := repo.QueryKeys(context.Background(), []id.UserID{bob})
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID("BOBDEV"), resp.DeviceKeys[bob]["BOBDEV"].DeviceID)
	assert.Equal(t, "mk", resp.MasterKeys[bob].Keys["ed25519:mk"])
	assert.Contains(t, resp.Failures, "remote.example")

	reqs := f.requests("POST /_matrix/client/v3/keys/query")
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{string(bob): []any{}}, reqs[0]["device_keys"])
	assert.EqualValues(t, keyRequestTimeout, reqs[0]["timeout"])
}

func TestAccountData(t *testing.T) {
	f := newFakeServer(t)
	f.reply("GET /_matrix/client/v3/user/{user}/account_data/m.missing", http.StatusNotFound,
		`{"errcode": "M_NOT_FOUND", "error": "Account data not found"}`)
	f.reply("GET /_matrix/client/v3/user/{user}/account_data/m.secret_storage.default_key", http.StatusOK,
		`{"key": "abc"}`)
	f.reply("PUT /_matrix/client/v3/user/{user}/account_data/m.secret_storage.default_key", http.StatusOK, `{}`)
	repo := newTestRepository(t, f)
	ctx := context.Background()

	var out models.DefaultSecretKey
	err := repo.GetAccountData(ctx, "m.missing", &out)
	assert.ErrorIs(t, err, crypto.ErrAccountDataNotFound)

	require.NoError(t, repo.GetAccountData(ctx, models.SecretStorageDefaultKey, &out))
	assert.Equal(t, "abc", out.Key)

	require.NoError(t, repo.SetAccountData(ctx, models.SecretStorageDefaultKey, models.DefaultSecretKey{Key: "def"}))
	reqs := f.requests("PUT /_matrix/client/v3/user/" + string(alice) + "/account_data/" + models.SecretStorageDefaultKey)
	require.Len(t, reqs, 1)
	assert.Equal(t, "def", reqs[0]["key"])
}

func TestUploadSignaturesReturnsFailures(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/keys/signatures/upload", http.StatusOK, `{
		"failures": {"@bob:example.org": {"mk": {"errcode": "M_INVALID_SIGNATURE", "error": "bad"}}}
	}`)
	repo := newTestRepository(t, f)

	failures, err := repo.UploadSignatures(context.Background(), models.SignatureUpload{
		bob: {"mk": json.RawMessage(`{"user_id": "@bob:example.org"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SignatureFailure{ErrCode: "M_INVALID_SIGNATURE", Error: "bad"}, failures[bob]["mk"])
}

func TestClaimKeys(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/keys/claim", http.StatusOK, `{
		"one_time_keys": {"@bob:example.org": {"B1": {"signed_curve25519:AAAA": {"key": "otk"}}}}
	}`)
	repo := newTestRepository(t, f)

	resp, err := repo.ClaimKeys(context.Background(), map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{
		bob: {"B1": id.KeyAlgorithmSignedCurve25519},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key": "otk"}`, string(resp.OneTimeKeys[bob]["B1"]["signed_curve25519:AAAA"]))

	reqs := f.requests("POST /_matrix/client/v3/keys/claim")
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 10000, reqs[0]["timeout"])
}

func TestSendToDeviceBatchesByType(t *testing.T) {
	f := newFakeServer(t)
	var mu sync.Mutex
	txns := make(map[string]string)
	f.mux.HandleFunc("PUT /_matrix/client/v3/sendToDevice/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		txns[r.PathValue("type")] = r.PathValue("txn")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	})
	repo := newTestRepository(t, f)

	content := json.RawMessage(`{"action": "request"}`)
	err := repo.SendToDevice(context.Background(), []models.ToDeviceMessage{
		{Type: event.ToDeviceRoomKeyRequest, UserID: bob, DeviceID: "B1", Content: content},
		{Type: event.ToDeviceEncrypted, UserID: bob, DeviceID: "B1", Content: content},
		{Type: event.ToDeviceEncrypted, UserID: alice, DeviceID: "A2", Content: content},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, txns, 2)
	assert.NotEqual(t, txns[event.ToDeviceRoomKeyRequest.Type], txns[event.ToDeviceEncrypted.Type])

	reqs := f.requests("PUT /_matrix/client/v3/sendToDevice/" + event.ToDeviceEncrypted.Type + "/" + txns[event.ToDeviceEncrypted.Type])
	require.Len(t, reqs, 1)
	messages, ok := reqs[0]["messages"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, messages, string(bob))
	assert.Contains(t, messages, string(alice))

	reqs = f.requests("PUT /_matrix/client/v3/sendToDevice/" + event.ToDeviceRoomKeyRequest.Type + "/" + txns[event.ToDeviceRoomKeyRequest.Type])
	require.Len(t, reqs, 1)
	messages, ok = reqs[0]["messages"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, messages, 1)
}

func TestSendToDeviceStopsOnError(t *testing.T) {
	f := newFakeServer(t)
	f.reply("PUT /_matrix/client/v3/sendToDevice/{type}/{txn}", http.StatusForbidden, `{"errcode": "M_FORBIDDEN", "error": "no"}`)
	repo := newTestRepository(t, f)

	err := repo.SendToDevice(context.Background(), []models.ToDeviceMessage{
		{Type: event.ToDeviceRoomKeyRequest, UserID: bob, DeviceID: "B1", Content: json.RawMessage(`{}`)},
	})
	assert.ErrorIs(t, err, mautrix.MForbidden)
}

func TestCreateBackupVersion(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/room_keys/version", http.StatusOK, `{"version": "7"}`)
	repo := newTestRepository(t, f)

	version, err := repo.CreateBackupVersion(context.Background(), "m.megolm_backup.v1.curve25519-aes-sha2", models.RoomKeyBackupAuthData{PublicKey: "pub"})
	require.NoError(t, err)
	assert.Equal(t, "7", version)
	reqs := f.requests("POST /_matrix/client/v3/room_keys/version")
	require.Len(t, reqs, 1)
	assert.Equal(t, "m.megolm_backup.v1.curve25519-aes-sha2", reqs[0]["algorithm"])
}

func TestUploadCrossSigningKeysInteractiveAuth(t *testing.T) {
	f := newFakeServer(t)
	var calls int
	f.mux.HandleFunc("POST /_matrix/client/v3/keys/device_signing/upload", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"session": "uia-1", "flows": [{"stages": ["m.login.password"]}]}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	repo := newTestRepository(t, f)

	keys := models.CrossSigningUpload{
		MasterKey: models.NewCrossSigningKeys(alice, id.XSUsageMaster, "mk"),
	}
	err := repo.UploadCrossSigningKeys(context.Background(), keys, crypto.PasswordAuth(alice, "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	reqs := f.requests("POST /_matrix/client/v3/keys/device_signing/upload")
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0], "auth")
	auth, ok := reqs[1]["auth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "uia-1", auth["session"])
	assert.Equal(t, "m.login.password", auth["type"])
	assert.Equal(t, "hunter2", auth["password"])
	assert.Contains(t, reqs[1], "master_key")
}

func TestUploadCrossSigningKeysWithoutAuth(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/keys/device_signing/upload", http.StatusUnauthorized,
		`{"session": "uia-2", "flows": [{"stages": ["m.login.password"]}, {"stages": ["m.login.sso"]}]}`)
	repo := newTestRepository(t, f)

	err := repo.UploadCrossSigningKeys(context.Background(), models.CrossSigningUpload{}, nil)
	var uia *UIARequiredError
	require.True(t, errors.As(err, &uia))
	assert.Equal(t, "uia-2", uia.Session)
	assert.Equal(t, [][]string{{"m.login.password"}, {"m.login.sso"}}, uia.Stages)
}

func TestUploadCrossSigningKeysServerError(t *testing.T) {
	f := newFakeServer(t)
	f.reply("POST /_matrix/client/v3/keys/device_signing/upload", http.StatusBadRequest,
		`{"errcode": "M_INVALID_SIGNATURE"}`)
	repo := newTestRepository(t, f)

	err := repo.UploadCrossSigningKeys(context.Background(), models.CrossSigningUpload{}, crypto.PasswordAuth(alice, "pw"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed (400)")
	assert.Len(t, f.requests("POST /_matrix/client/v3/keys/device_signing/upload"), 1)
}
