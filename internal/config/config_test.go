package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/arko-chat/keytrust/internal/crypto"
)

func TestLoadGeneratesDefaults(t *testing.T) {
	keyring.MockInit()
	dir := filepath.Join(t.TempDir(), "arko")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "crypto"), cfg.CryptoDBPath)
	assert.Equal(t, crypto.DefaultKeyQueryBatchSize, cfg.KeyQueryBatchSize)
	assert.True(t, cfg.TrustPolicy().AcceptUnsignedMasterKey)
	assert.Len(t, cfg.PickleKeyBytes(), pickleKeyLength)
	assert.FileExists(t, filepath.Join(dir, configFile))

	again, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.PickleKey, again.PickleKey)
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(`{
		"crypto_db_path": "/data/crypto",
		"listen_addr": "127.0.0.1:9000",
		"key_query_batch_size": 5,
		"trust_master_key_on_first_use": true
	}`), 0600))

	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("KEY_QUERY_BATCH_SIZE", "not a number")
	t.Setenv("TRUST_MASTER_KEY_ON_FIRST_USE", "false")
	t.Setenv("PICKLE_KEY", base64.StdEncoding.EncodeToString([]byte("env pickle key")))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "/data/crypto", cfg.CryptoDBPath)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.KeyQueryBatchSize)
	assert.False(t, cfg.TrustPolicy().AcceptUnsignedMasterKey)
	assert.Equal(t, []byte("env pickle key"), cfg.PickleKeyBytes())
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(`{`), 0600))

	_, err := LoadFrom(dir)
	assert.Error(t, err)
}
