package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/crypto"
)

const (
	appName    = "arko"
	configFile = "config.json"

	pickleKeySecret = "pickle_key"
	pickleKeyLength = 32
)

type Config struct {
	CryptoDBPath             string `json:"crypto_db_path"`
	ListenAddr               string `json:"listen_addr"`
	LogLevel                 string `json:"log_level"`
	KeyQueryBatchSize        int    `json:"key_query_batch_size"`
	TrustMasterKeyOnFirstUse bool   `json:"trust_master_key_on_first_use"`
	PickleKey                string `json:"-"`
}

func defaults(appDir string) Config {
	return Config{
		CryptoDBPath:             filepath.Join(appDir, "crypto"),
		ListenAddr:               "127.0.0.1:7450",
		LogLevel:                 "info",
		KeyQueryBatchSize:        crypto.DefaultKeyQueryBatchSize,
		TrustMasterKeyOnFirstUse: crypto.DefaultTrustPolicy().AcceptUnsignedMasterKey,
	}
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(configDir, appName))
}

// LoadFrom reads config.json in appDir, writing the defaults there when it
// does not exist yet.
func LoadFrom(appDir string) (*Config, error) {
	path := filepath.Join(appDir, configFile)
	cfg := defaults(appDir)

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		_ = os.WriteFile(path, out, 0600)
		log.Printf("Generated new config at: %s", path)
	}

	cfg.PickleKey, err = credentials.LoadAppSecret(pickleKeySecret)
	if err != nil {
		pickle := make([]byte, pickleKeyLength)
		if _, err := rand.Read(pickle); err != nil {
			return nil, err
		}
		cfg.PickleKey = base64.StdEncoding.EncodeToString(pickle)
		if err := credentials.StoreAppSecret(pickleKeySecret, cfg.PickleKey); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRYPTO_DB_PATH"); v != "" {
		cfg.CryptoDBPath = v
	}
	if v := os.Getenv("PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, err := strconv.Atoi(os.Getenv("KEY_QUERY_BATCH_SIZE")); err == nil && v > 0 {
		cfg.KeyQueryBatchSize = v
	}
	if v, err := strconv.ParseBool(os.Getenv("TRUST_MASTER_KEY_ON_FIRST_USE")); err == nil {
		cfg.TrustMasterKeyOnFirstUse = v
	}
}

// PickleKeyBytes decodes the pickle key. Keys that are not base64 are
// used as raw bytes.
func (c *Config) PickleKeyBytes() []byte {
	if key, err := base64.StdEncoding.DecodeString(c.PickleKey); err == nil && len(key) > 0 {
		return key
	}
	return []byte(c.PickleKey)
}

func (c *Config) TrustPolicy() crypto.TrustPolicy {
	return crypto.TrustPolicy{AcceptUnsignedMasterKey: c.TrustMasterKeyOnFirstUse}
}
