package models

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// QueryKeysResponse is the subset of /keys/query the key tracking needs.
type QueryKeysResponse struct {
	Failures        map[string]json.RawMessage               `json:"failures,omitempty"`
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKeys           `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKeys           `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKeys           `json:"user_signing_keys,omitempty"`
}

// ClaimKeysResponse carries the claimed one-time keys as raw JSON so both
// signed and unsigned keys survive decoding.
type ClaimKeysResponse struct {
	Failures    map[string]json.RawMessage                                 `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]json.RawMessage `json:"one_time_keys"`
}

type UploadKeysRequest struct {
	DeviceKeys  *DeviceKeys      `json:"device_keys,omitempty"`
	OneTimeKeys map[id.KeyID]any `json:"one_time_keys,omitempty"`
}

// SignatureUpload maps a user to the signed objects uploaded for them,
// keyed by device id or cross-signing public key.
type SignatureUpload map[id.UserID]map[string]json.RawMessage

type SignatureFailure struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

type SignatureFailures map[id.UserID]map[string]SignatureFailure

// CrossSigningUpload is the body of /keys/device_signing/upload without
// the interactive auth part.
type CrossSigningUpload struct {
	MasterKey      CrossSigningKeys `json:"master_key"`
	SelfSigningKey CrossSigningKeys `json:"self_signing_key"`
	UserSigningKey CrossSigningKeys `json:"user_signing_key"`
}

// ToDeviceMessages maps recipients to the content sent to each device.
type ToDeviceMessages map[id.UserID]map[id.DeviceID]json.RawMessage

// ToDeviceMessage is one to-device event for one device.
type ToDeviceMessage struct {
	Type     event.Type
	UserID   id.UserID
	DeviceID id.DeviceID
	Content  json.RawMessage
}
