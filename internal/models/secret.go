package models

import (
	"encoding/json"

	"maunium.net/go/mautrix/crypto/ssss"
)

// SecretType names a secret kept in secret storage. The value doubles as
// the account data event type the encrypted secret is stored under.
type SecretType string

const (
	SecretMasterKey       SecretType = "m.cross_signing.master"
	SecretSelfSigningKey  SecretType = "m.cross_signing.self_signing"
	SecretUserSigningKey  SecretType = "m.cross_signing.user_signing"
	SecretMegolmBackupKey SecretType = "m.megolm_backup.v1"
)

// EncryptedSecret is one m.secret_storage.v1.aes-hmac-sha2 ciphertext.
type EncryptedSecret = ssss.EncryptedKeyData

// SecretEventContent is the account data content of an encrypted secret,
// keyed by the secret storage key id that encrypted it.
type SecretEventContent = ssss.EncryptedAccountDataEventContent

type StoredSecret struct {
	Event               json.RawMessage `json:"event"`
	DecryptedPrivateKey string          `json:"decrypted_private_key"`
}

// SecretKeyDescriptor is the content of m.secret_storage.key.<key id>.
type SecretKeyDescriptor = ssss.KeyMetadata

type DefaultSecretKey = ssss.DefaultSecretStorageKeyContent

const (
	SecretStorageKeyEventPrefix = "m.secret_storage.key."
	SecretStorageDefaultKey     = "m.secret_storage.default_key"
)

const MegolmBackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// RoomKeyBackupAuthData is the auth_data of a megolm backup version.
type RoomKeyBackupAuthData struct {
	PublicKey  string     `json:"public_key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

func (a RoomKeyBackupAuthData) GetSignatures() Signatures {
	return a.Signatures
}
