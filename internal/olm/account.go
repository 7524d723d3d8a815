package olm

import (
	"cmp"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

const MaxOneTimeKeys = 50

var ErrBadPickle = errors.New("account pickle cannot be decrypted")

// SignedOneTimeKey is a signed_curve25519 one-time key.
type SignedOneTimeKey struct {
	Key        string            `json:"key"`
	Fallback   bool              `json:"fallback,omitempty"`
	Signatures models.Signatures `json:"signatures,omitempty"`
}

func (k SignedOneTimeKey) GetSignatures() models.Signatures {
	return k.Signatures
}

// Account is this device's long-term identity: an Ed25519 signing key, a
// Curve25519 identity key and the one-time keys not yet claimed.
type Account struct {
	mu sync.Mutex

	userID   id.UserID
	deviceID id.DeviceID
	signing  *SigningKey
	identity *Curve25519KeyPair

	oneTimeKeys map[string]*Curve25519KeyPair
	published   map[string]bool
	nextKeyID   uint64
}

func NewAccount(userID id.UserID, deviceID id.DeviceID) (*Account, error) {
	signing, err := NewSigningKey()
	if err != nil {
		return nil, err
	}
	identity, err := NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{
		userID:      userID,
		deviceID:    deviceID,
		signing:     signing,
		identity:    identity,
		oneTimeKeys: make(map[string]*Curve25519KeyPair),
		published:   make(map[string]bool),
	}, nil
}

func (a *Account) UserID() id.UserID {
	return a.userID
}

func (a *Account) DeviceID() id.DeviceID {
	return a.deviceID
}

// SigningKey returns the device signing key in its device form
// "ed25519:<device id>".
func (a *Account) SigningKey() models.Key {
	return models.Key{
		ID:    id.NewKeyID(id.KeyAlgorithmEd25519, string(a.deviceID)),
		Value: a.signing.PublicKey(),
	}
}

func (a *Account) IdentityKey() id.Curve25519 {
	return id.Curve25519(a.identity.PublicKey())
}

func (a *Account) SignJSON(obj any) (string, error) {
	return a.signing.SignJSON(obj)
}

// Signatures signs obj and wraps the result in a signatures map.
func (a *Account) Signatures(obj any) (models.Signatures, error) {
	sig, err := a.SignJSON(obj)
	if err != nil {
		return nil, err
	}
	return models.Signatures{a.userID: {a.SigningKey().ID: sig}}, nil
}

// DeviceKeys returns the self-signed device key bundle.
func (a *Account) DeviceKeys() (models.DeviceKeys, error) {
	keys := models.DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, string(a.deviceID)):    a.signing.PublicKey(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(a.deviceID)): a.identity.PublicKey(),
		},
	}
	sigs, err := a.Signatures(keys)
	if err != nil {
		return models.DeviceKeys{}, fmt.Errorf("sign device keys: %w", err)
	}
	return keys.WithSignatures(sigs), nil
}

// GenerateOneTimeKeys creates count signed one-time keys that have not been
// published yet.
func (a *Account) GenerateOneTimeKeys(count int) (map[id.KeyID]SignedOneTimeKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[id.KeyID]SignedOneTimeKey, count)
	for range count {
		kp, err := NewCurve25519KeyPair()
		if err != nil {
			return nil, err
		}
		a.nextKeyID++
		name := oneTimeKeyName(a.nextKeyID)
		a.oneTimeKeys[name] = kp

		otk := SignedOneTimeKey{Key: kp.PublicKey()}
		sigs, err := a.Signatures(otk)
		if err != nil {
			return nil, err
		}
		otk.Signatures = sigs
		out[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, name)] = otk
	}
	return out, nil
}

// MarkKeysAsPublished records that every generated one-time key reached the
// homeserver. Only the newest MaxOneTimeKeys private keys are kept; older
// ones have been claimed or replaced on the server by then.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.oneTimeKeys {
		a.published[name] = true
	}
	if len(a.oneTimeKeys) <= MaxOneTimeKeys {
		return
	}
	names := slices.SortedFunc(maps.Keys(a.oneTimeKeys), func(x, y string) int {
		return cmp.Compare(oneTimeKeyNumber(x), oneTimeKeyNumber(y))
	})
	for _, name := range names[:len(names)-MaxOneTimeKeys] {
		delete(a.oneTimeKeys, name)
		delete(a.published, name)
	}
}

func oneTimeKeyName(n uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(n, 10)))
}

func oneTimeKeyNumber(name string) uint64 {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(string(raw), 10, 64)
	return n
}

func (a *Account) UnpublishedOneTimeKeys() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for name := range a.oneTimeKeys {
		if !a.published[name] {
			n++
		}
	}
	return n
}

type accountPickle struct {
	UserID      id.UserID         `json:"user_id"`
	DeviceID    id.DeviceID       `json:"device_id"`
	SigningSeed string            `json:"signing_seed"`
	Identity    string            `json:"identity"`
	OneTimeKeys map[string]string `json:"one_time_keys"`
	Published   map[string]bool   `json:"published"`
	NextKeyID   uint64            `json:"next_key_id"`
}

func pickleBoxKey(pickleKey []byte) *[32]byte {
	key := sha256.Sum256(pickleKey)
	return &key
}

// Pickle serialises the account encrypted under pickleKey.
func (a *Account) Pickle(pickleKey []byte) (string, error) {
	a.mu.Lock()
	p := accountPickle{
		UserID:      a.userID,
		DeviceID:    a.deviceID,
		SigningSeed: a.signing.SeedBase64(),
		Identity:    EncodeBase64(a.identity.PrivateKey()),
		OneTimeKeys: make(map[string]string, len(a.oneTimeKeys)),
		Published:   make(map[string]bool, len(a.published)),
		NextKeyID:   a.nextKeyID,
	}
	for name, kp := range a.oneTimeKeys {
		p.OneTimeKeys[name] = EncodeBase64(kp.PrivateKey())
	}
	for name, v := range a.published {
		p.Published[name] = v
	}
	a.mu.Unlock()

	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal account: %w", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate pickle nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, pickleBoxKey(pickleKey))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func UnpickleAccount(pickled string, pickleKey []byte) (*Account, error) {
	sealed, err := base64.StdEncoding.DecodeString(pickled)
	if err != nil || len(sealed) < 24 {
		return nil, ErrBadPickle
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, pickleBoxKey(pickleKey))
	if !ok {
		return nil, ErrBadPickle
	}

	var p accountPickle
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	signing, err := SigningKeyFromBase64(p.SigningSeed)
	if err != nil {
		return nil, err
	}
	identityRaw, err := DecodeBase64(p.Identity)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	identity, err := Curve25519KeyPairFromPrivate(identityRaw)
	if err != nil {
		return nil, err
	}

	acc := &Account{
		userID:      p.UserID,
		deviceID:    p.DeviceID,
		signing:     signing,
		identity:    identity,
		oneTimeKeys: make(map[string]*Curve25519KeyPair, len(p.OneTimeKeys)),
		published:   p.Published,
		nextKeyID:   p.NextKeyID,
	}
	if acc.published == nil {
		acc.published = make(map[string]bool)
	}
	for name, priv := range p.OneTimeKeys {
		raw, err := DecodeBase64(priv)
		if err != nil {
			return nil, fmt.Errorf("decode one-time key %s: %w", name, err)
		}
		kp, err := Curve25519KeyPairFromPrivate(raw)
		if err != nil {
			return nil, err
		}
		acc.oneTimeKeys[name] = kp
	}
	return acc, nil
}
