// Package store defines the persistence contracts of the key management
// core.
//
// Every Update* method is an atomic read-modify-write of one logical
// record: implementations must guarantee that concurrent updates of the
// same record are serialised, and may call the update function more than
// once, so it must not have side effects.
package store

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

var (
	ErrReplayedMessageIndex = errors.New("megolm message index was already used by another event")
	ErrTooManyConflicts     = errors.New("store: too many conflicting transactions")
	ErrNoAccount            = errors.New("store: no olm account")
)

type DeviceKeysUpdate func(old map[id.DeviceID]models.StoredDeviceKeys) (map[id.DeviceID]models.StoredDeviceKeys, error)

type CrossSigningKeysUpdate func(old models.CrossSigningKeySet) (models.CrossSigningKeySet, error)

type OutboundSessionUpdate func(old *models.StoredOutboundMegolmSession) (*models.StoredOutboundMegolmSession, error)

type OlmSessionsUpdate func(old []models.StoredOlmSession) ([]models.StoredOlmSession, error)

type RoomUpdate func(old models.RoomInfo) (models.RoomInfo, error)

// SecretUpdate receives nil when the secret is not stored and returns nil
// to delete it.
type SecretUpdate func(old *models.StoredSecret) (*models.StoredSecret, error)

type KeyStore interface {
	// GetDeviceKeys returns nil when the user's devices are not tracked and
	// a non-nil, possibly empty, map when they are.
	GetDeviceKeys(ctx context.Context, userID id.UserID) (map[id.DeviceID]models.StoredDeviceKeys, error)
	// UpdateDeviceKeys stores the result of fn; a nil result deletes the
	// record.
	UpdateDeviceKeys(ctx context.Context, userID id.UserID, fn DeviceKeysUpdate) error
	DeleteDeviceKeys(ctx context.Context, userID id.UserID) error

	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (models.CrossSigningKeySet, error)
	UpdateCrossSigningKeys(ctx context.Context, userID id.UserID, fn CrossSigningKeysUpdate) error
	DeleteCrossSigningKeys(ctx context.Context, userID id.UserID) error

	GetVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID) (models.VerificationState, error)
	SaveVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID, state models.VerificationState) error
	DeleteVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID) error

	SaveKeyChainLink(ctx context.Context, link models.KeyChainLink) error
	DeleteKeyChainLinksBySignedKey(ctx context.Context, userID id.UserID, key models.Key) error
	GetKeyChainLinksBySigningKey(ctx context.Context, userID id.UserID, key models.Key) ([]models.KeyChainLink, error)
	GetKeyChainLinksBySignedKey(ctx context.Context, userID id.UserID, key models.Key) ([]models.KeyChainLink, error)

	GetOutdatedKeys(ctx context.Context) ([]id.UserID, error)
	// UpdateOutdatedKeys adds and removes users from the outdated set in one
	// transaction. Removal wins when a user is in both lists.
	UpdateOutdatedKeys(ctx context.Context, add, remove []id.UserID) error

	GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]models.StoredOlmSession, error)
	UpdateOlmSessions(ctx context.Context, senderKey id.Curve25519, fn OlmSessionsUpdate) error

	GetInboundMegolmSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*models.StoredInboundMegolmSession, error)
	SaveInboundMegolmSession(ctx context.Context, session models.StoredInboundMegolmSession) error

	GetOutboundMegolmSession(ctx context.Context, roomID id.RoomID) (*models.StoredOutboundMegolmSession, error)
	// UpdateOutboundMegolmSession stores the result of fn; nil deletes the
	// session so the next message creates a new one.
	UpdateOutboundMegolmSession(ctx context.Context, roomID id.RoomID, fn OutboundSessionUpdate) error

	// CheckMessageIndex records the event that used a megolm message index
	// and returns ErrReplayedMessageIndex when a different event already
	// used it.
	CheckMessageIndex(ctx context.Context, index models.StoredMegolmMessageIndex) error

	GetPendingSignatures(ctx context.Context) ([]models.PendingSignature, error)
	SavePendingSignatures(ctx context.Context, pending []models.PendingSignature) error
	DeletePendingSignature(ctx context.Context, userID id.UserID, keyName string) error

	GetAccount(ctx context.Context) (string, error)
	SaveAccount(ctx context.Context, pickled string) error
}

type RoomStore interface {
	GetRoom(ctx context.Context, roomID id.RoomID) (*models.RoomInfo, error)
	UpdateRoom(ctx context.Context, roomID id.RoomID, fn RoomUpdate) error
	// JoinedEncryptedRooms lists encrypted rooms userID has joined.
	JoinedEncryptedRooms(ctx context.Context, userID id.UserID) ([]models.RoomInfo, error)
}

// SecretStore holds decrypted secrets next to the encrypted account data
// event they came from, one per secret type.
type SecretStore interface {
	GetSecret(ctx context.Context, secretType models.SecretType) (*models.StoredSecret, error)
	UpdateSecret(ctx context.Context, secretType models.SecretType, fn SecretUpdate) error
}
