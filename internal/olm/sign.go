package olm

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signed is any key object carrying a Matrix signatures map.
type Signed interface {
	GetSignatures() models.Signatures
}

// CanonicalJSON returns the signable form of obj: canonical JSON without the
// signatures and unsigned fields.
func CanonicalJSON(obj any) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal signable object: %w", err)
	}
	for _, field := range []string{"signatures", "unsigned"} {
		data, err = sjson.DeleteBytes(data, field)
		if err != nil {
			return nil, fmt.Errorf("strip %s: %w", field, err)
		}
	}
	return canonicaljson.CanonicalJSON(data)
}

type SigningKey struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &SigningKey{priv: priv, pub: pub}, nil
}

func SigningKeyFromSeed(seed []byte) (*SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKey{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// SigningKeyFromBase64 restores a key from the unpadded base64 seed form
// used for cached cross-signing secrets.
func SigningKeyFromBase64(seed string) (*SigningKey, error) {
	raw, err := DecodeBase64(seed)
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	return SigningKeyFromSeed(raw)
}

func (k *SigningKey) PublicKey() string {
	return EncodeBase64(k.pub)
}

func (k *SigningKey) Seed() []byte {
	return k.priv.Seed()
}

func (k *SigningKey) SeedBase64() string {
	return EncodeBase64(k.priv.Seed())
}

// Key returns the public key in its cross-signing form "ed25519:<pub>".
func (k *SigningKey) Key() models.Key {
	pub := k.PublicKey()
	return models.Key{ID: id.NewKeyID(id.KeyAlgorithmEd25519, pub), Value: pub}
}

func (k *SigningKey) SignJSON(obj any) (string, error) {
	msg, err := CanonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return EncodeBase64(ed25519.Sign(k.priv, msg)), nil
}

// VerifyJSON checks the signature made by key of signer over obj. It returns
// ErrMissingSignature when no such signature exists and wraps
// ErrInvalidSignature when it does not verify.
func VerifyJSON(obj Signed, signer id.UserID, key models.Key) error {
	sig, ok := obj.GetSignatures().Get(signer, key.ID)
	if !ok {
		return fmt.Errorf("%w by %s/%s", ErrMissingSignature, signer, key.ID)
	}
	pub, err := DecodeBase64(key.Value)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key %s", ErrInvalidSignature, key.ID)
	}
	rawSig, err := DecodeBase64(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature by %s", ErrInvalidSignature, key.ID)
	}
	msg, err := CanonicalJSON(obj)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, rawSig) {
		return fmt.Errorf("%w by %s/%s", ErrInvalidSignature, signer, key.ID)
	}
	return nil
}

func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts padded and unpadded input.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
