// Package credentials keeps account secrets in the OS keyring: the access
// token and device of each logged in account, app wide secrets such as the
// pickle key, the recovery key shown at bootstrap and the SecretStore.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

const (
	serviceName    = "arko"
	keyMetadata    = "metadata"
	keyAccessToken = "access_token"
	keyRecoveryKey = "recovery_key"
)

var ErrNotFound = errors.New("credentials: not found")

type SessionMetadata struct {
	Homeserver string      `json:"homeserver"`
	UserID     id.UserID   `json:"user_id"`
	DeviceID   id.DeviceID `json:"device_id"`
}

func entry(userID id.UserID, name string) string {
	return string(userID) + ":" + name
}

func get(user string) (string, error) {
	val, err := keyring.Get(serviceName, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

func StoreSession(meta SessionMetadata, accessToken string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if err := keyring.Set(serviceName, entry(meta.UserID, keyMetadata), string(metaJSON)); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}

	if err := keyring.Set(serviceName, entry(meta.UserID, keyAccessToken), accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	return AddKnownUser(meta.UserID)
}

func LoadSession(userID id.UserID) (SessionMetadata, string, error) {
	metaRaw, err := get(entry(userID, keyMetadata))
	if err != nil {
		return SessionMetadata{}, "", err
	}

	var meta SessionMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return SessionMetadata{}, "", fmt.Errorf("unmarshal metadata: %w", err)
	}

	token, err := get(entry(userID, keyAccessToken))
	if err != nil {
		return SessionMetadata{}, "", fmt.Errorf("load access token: %w", err)
	}

	return meta, token, nil
}

func DeleteSession(userID id.UserID) {
	_ = keyring.Delete(serviceName, entry(userID, keyMetadata))
	_ = keyring.Delete(serviceName, entry(userID, keyAccessToken))
	_ = RemoveKnownUser(userID)
}

func StoreAppSecret(key string, value string) error {
	return keyring.Set(serviceName, "app:"+key, value)
}

func LoadAppSecret(key string) (string, error) {
	return get("app:" + key)
}

// StoreRecoveryKey keeps the encoded recovery key of the latest bootstrap
// so it can be shown again until the user confirms it was saved.
func StoreRecoveryKey(userID id.UserID, key string) error {
	return keyring.Set(serviceName, entry(userID, keyRecoveryKey), key)
}

func LoadRecoveryKey(userID id.UserID) (string, error) {
	return get(entry(userID, keyRecoveryKey))
}

func DeleteRecoveryKey(userID id.UserID) {
	_ = keyring.Delete(serviceName, entry(userID, keyRecoveryKey))
}
