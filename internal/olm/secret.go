package olm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"maunium.net/go/mautrix/crypto/ssss"

	"github.com/arko-chat/keytrust/internal/models"
)

const (
	RecoveryKeyLength = 32
	secretKeyIDLength = 32
	secretKeyIDChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

// SecretStorageKey is an m.secret_storage.v1.aes-hmac-sha2 key together with
// the descriptor published under m.secret_storage.key.<id>.
type SecretStorageKey = ssss.Key

// NewSecretStorageKey generates a random key under keyID. Its RecoveryKey is
// the base58 form users write down.
func NewSecretStorageKey(keyID string) (*SecretStorageKey, error) {
	key, err := ssss.NewKey("")
	if err != nil {
		return nil, fmt.Errorf("generate secret storage key: %w", err)
	}
	key.ID = keyID
	return key, nil
}

// OpenSecretStorageKey decodes recoveryKey and checks it against the key
// descriptor stored for keyID.
func OpenSecretStorageKey(keyID, recoveryKey string, desc *models.SecretKeyDescriptor) (*SecretStorageKey, error) {
	if recoveryKey == "" || desc == nil {
		return nil, ErrInvalidRecoveryKey
	}
	key, err := desc.VerifyRecoveryKey(keyID, recoveryKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecoveryKey, err)
	}
	return key, nil
}

func GenerateSecretKeyID() (string, error) {
	out := make([]byte, secretKeyIDLength)
	charset := big.NewInt(int64(len(secretKeyIDChars)))
	for i := range out {
		n, err := rand.Int(rand.Reader, charset)
		if err != nil {
			return "", fmt.Errorf("generate secret key id: %w", err)
		}
		out[i] = secretKeyIDChars[n.Int64()]
	}
	return string(out), nil
}

// EncryptPrivateKey wraps a private key as the account data content of the
// secret secretType.
func EncryptPrivateKey(key *SecretStorageKey, secretType models.SecretType, private []byte) models.SecretEventContent {
	return models.SecretEventContent{
		Encrypted: map[string]models.EncryptedSecret{
			key.ID: key.Encrypt(string(secretType), private),
		},
	}
}

func DecryptPrivateKey(key *SecretStorageKey, secretType models.SecretType, content models.SecretEventContent) ([]byte, error) {
	private, err := content.Decrypt(string(secretType), key)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", secretType, err)
	}
	return private, nil
}
