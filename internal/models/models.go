package models

import "maunium.net/go/mautrix/id"

type LoginCredentials struct {
	Homeserver string `json:"homeserver"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id,omitempty"`
}

type DeviceView struct {
	UserID     id.UserID   `json:"user_id"`
	DeviceID   id.DeviceID `json:"device_id"`
	Ed25519    string      `json:"ed25519"`
	Curve25519 string      `json:"curve25519"`
	Trust      TrustLevel  `json:"trust"`
	Trusted    bool        `json:"trusted"`
}

type CrossSigningKeyView struct {
	UserID    id.UserID              `json:"user_id"`
	Usage     []id.CrossSigningUsage `json:"usage"`
	KeyID     id.KeyID               `json:"key_id"`
	PublicKey string                 `json:"public_key"`
	Trust     TrustLevel             `json:"trust"`
	Trusted   bool                   `json:"trusted"`
}

// BootstrapView carries the recovery key even when bootstrap failed, as
// the key may already protect uploaded secrets.
type BootstrapView struct {
	RecoveryKey   string `json:"recovery_key,omitempty"`
	RecoveryKeyQR string `json:"recovery_key_qr,omitempty"`
	Error         string `json:"error,omitempty"`
}
