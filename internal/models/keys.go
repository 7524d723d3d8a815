package models

import (
	"slices"

	"maunium.net/go/mautrix/id"
)

// Signatures maps a signing user to the key ids it signed with and the
// unpadded base64 signature produced by each.
type Signatures map[id.UserID]map[id.KeyID]string

func (s Signatures) Clone() Signatures {
	out := make(Signatures, len(s))
	for userID, sigs := range s {
		inner := make(map[id.KeyID]string, len(sigs))
		for keyID, sig := range sigs {
			inner[keyID] = sig
		}
		out[userID] = inner
	}
	return out
}

// Merge returns a copy of s that also contains every signature of other.
func (s Signatures) Merge(other Signatures) Signatures {
	out := s.Clone()
	for userID, sigs := range other {
		if out[userID] == nil {
			out[userID] = make(map[id.KeyID]string, len(sigs))
		}
		for keyID, sig := range sigs {
			out[userID][keyID] = sig
		}
	}
	return out
}

func (s Signatures) Get(userID id.UserID, keyID id.KeyID) (string, bool) {
	sig, ok := s[userID][keyID]
	return sig, ok
}

// Key is a single Ed25519 or Curve25519 key. ID is the full key id, e.g.
// "ed25519:DEVICEID" for a device or "ed25519:<public key>" for a
// cross-signing key.
type Key struct {
	ID    id.KeyID `json:"id"`
	Value string   `json:"value"`
}

func (k Key) Name() string {
	_, name := k.ID.Parse()
	return name
}

func (k Key) IsZero() bool {
	return k.ID == "" && k.Value == ""
}

type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   map[string]any      `json:"unsigned,omitempty"`
}

func (d DeviceKeys) GetSignatures() Signatures {
	return d.Signatures
}

func (d DeviceKeys) SigningKeyID() id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, string(d.DeviceID))
}

// SigningKey returns the Ed25519 key the device signs with.
func (d DeviceKeys) SigningKey() (Key, bool) {
	keyID := d.SigningKeyID()
	value, ok := d.Keys[keyID]
	if !ok || value == "" {
		return Key{}, false
	}
	return Key{ID: keyID, Value: value}, true
}

func (d DeviceKeys) IdentityKey() id.Curve25519 {
	return id.Curve25519(d.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, string(d.DeviceID))])
}

// WithSignatures returns a copy carrying the merged signature set. Device
// keys are never mutated in place.
func (d DeviceKeys) WithSignatures(sigs Signatures) DeviceKeys {
	d.Signatures = d.Signatures.Merge(sigs)
	d.Algorithms = slices.Clone(d.Algorithms)
	return d
}

type CrossSigningKeys struct {
	UserID     id.UserID              `json:"user_id"`
	Usage      []id.CrossSigningUsage `json:"usage"`
	Keys       map[id.KeyID]string    `json:"keys"`
	Signatures Signatures             `json:"signatures,omitempty"`
}

func (c CrossSigningKeys) GetSignatures() Signatures {
	return c.Signatures
}

func (c CrossSigningKeys) HasUsage(usage id.CrossSigningUsage) bool {
	return slices.Contains(c.Usage, usage)
}

func (c CrossSigningKeys) OverlapsUsage(other CrossSigningKeys) bool {
	for _, u := range c.Usage {
		if other.HasUsage(u) {
			return true
		}
	}
	return false
}

// SigningKey returns the single Ed25519 public key of the bundle.
func (c CrossSigningKeys) SigningKey() (Key, bool) {
	for keyID, value := range c.Keys {
		algo, _ := keyID.Parse()
		if algo == id.KeyAlgorithmEd25519 && value != "" {
			return Key{ID: keyID, Value: value}, true
		}
	}
	return Key{}, false
}

func (c CrossSigningKeys) WithSignatures(sigs Signatures) CrossSigningKeys {
	c.Signatures = c.Signatures.Merge(sigs)
	c.Usage = slices.Clone(c.Usage)
	return c
}

// NewCrossSigningKeys builds an unsigned bundle for a single usage.
func NewCrossSigningKeys(userID id.UserID, usage id.CrossSigningUsage, publicKey string) CrossSigningKeys {
	return CrossSigningKeys{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{usage},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, publicKey): publicKey,
		},
	}
}

type StoredDeviceKeys struct {
	Value      DeviceKeys `json:"value"`
	TrustLevel TrustLevel `json:"trust_level"`
}

type StoredCrossSigningKeys struct {
	Value      CrossSigningKeys `json:"value"`
	TrustLevel TrustLevel       `json:"trust_level"`
}

// CrossSigningKeySet holds at most one bundle per usage.
type CrossSigningKeySet []StoredCrossSigningKeys

func (s CrossSigningKeySet) ByUsage(usage id.CrossSigningUsage) (StoredCrossSigningKeys, bool) {
	for _, k := range s {
		if k.Value.HasUsage(usage) {
			return k, true
		}
	}
	return StoredCrossSigningKeys{}, false
}

// ByKeyName finds the bundle whose Ed25519 public key is name.
func (s CrossSigningKeySet) ByKeyName(name string) (StoredCrossSigningKeys, bool) {
	for _, k := range s {
		if key, ok := k.Value.SigningKey(); ok && key.Name() == name {
			return k, true
		}
	}
	return StoredCrossSigningKeys{}, false
}

// Replace drops every bundle sharing a usage with keys and appends keys.
func (s CrossSigningKeySet) Replace(keys StoredCrossSigningKeys) CrossSigningKeySet {
	out := make(CrossSigningKeySet, 0, len(s)+1)
	for _, k := range s {
		if k.Value.OverlapsUsage(keys.Value) {
			continue
		}
		out = append(out, k)
	}
	return append(out, keys)
}

// KeyChainLink records that SigningKey of SigningUserID vouches for SignedKey
// of SignedUserID.
type KeyChainLink struct {
	SigningUserID id.UserID `json:"signing_user_id"`
	SigningKey    Key       `json:"signing_key"`
	SignedUserID  id.UserID `json:"signed_user_id"`
	SignedKey     Key       `json:"signed_key"`
}
