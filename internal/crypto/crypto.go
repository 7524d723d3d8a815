// Package crypto is the key trust core: it decides how far each device and
// cross-signing key of every tracked user can be trusted, keeps the stored
// keys in step with the homeserver and bootstraps cross-signing and key
// backup for the own account.
package crypto

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
)

var (
	ErrPrecondition        = errors.New("precondition failed")
	ErrAccountDataNotFound = errors.New("account data not found")
	ErrUnknownSecret       = errors.New("secret is not stored")
	ErrUnknownKey          = errors.New("key is not known")
)

// SigningRequestRepository is the homeserver API the core consumes.
type SigningRequestRepository interface {
	// UploadKeys returns the remaining one-time key count per algorithm.
	UploadKeys(ctx context.Context, req models.UploadKeysRequest) (map[id.KeyAlgorithm]int, error)
	QueryKeys(ctx context.Context, users []id.UserID) (*models.QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, devices map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*models.ClaimKeysResponse, error)
	// UploadSignatures returns the objects the server refused.
	UploadSignatures(ctx context.Context, upload models.SignatureUpload) (models.SignatureFailures, error)
	// UploadCrossSigningKeys publishes the cross-signing identity. auth is
	// asked for the interactive auth dict when the server requires one.
	UploadCrossSigningKeys(ctx context.Context, keys models.CrossSigningUpload, auth AuthCallback) error
	// SendToDevice delivers messages with one request per event type.
	SendToDevice(ctx context.Context, messages []models.ToDeviceMessage) error
	// CreateBackupVersion returns the version id assigned by the server.
	CreateBackupVersion(ctx context.Context, algorithm string, authData models.RoomKeyBackupAuthData) (string, error)
	// GetAccountData returns ErrAccountDataNotFound when eventType is unset.
	GetAccountData(ctx context.Context, eventType string, out any) error
	SetAccountData(ctx context.Context, eventType string, content any) error
}

// AuthCallback builds the interactive auth dict for session. A nil
// callback means no interactive auth is possible.
type AuthCallback func(session string) any

// PasswordAuth answers a password interactive auth stage.
func PasswordAuth(userID id.UserID, password string) AuthCallback {
	return func(session string) any {
		return map[string]any{
			"type":    "m.login.password",
			"session": session,
			"identifier": map[string]any{
				"type": "m.id.user",
				"user": userID,
			},
			"password": password,
		}
	}
}

// TrustObserver is told about every persisted trust level change.
type TrustObserver interface {
	TrustChanged(userID id.UserID, key models.Key, level models.TrustLevel)
}

// TrustPolicy holds the trust decisions that are a matter of policy rather
// than of signature validity.
type TrustPolicy struct {
	// AcceptUnsignedMasterKey trusts a master key on first sight even when
	// it carries no self-signature.
	AcceptUnsignedMasterKey bool
}

func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{AcceptUnsignedMasterKey: true}
}

// UploadSignaturesError is returned when the server refused some of the
// uploaded signatures. Local trust state is kept and the refused objects
// stay queued for RetryPendingSignatures.
type UploadSignaturesError struct {
	Failures models.SignatureFailures
}

func (e *UploadSignaturesError) Error() string {
	var parts []string
	for userID, failures := range e.Failures {
		for keyName, failure := range failures {
			parts = append(parts, fmt.Sprintf("%s/%s: %s %s", userID, keyName, failure.ErrCode, failure.Error))
		}
	}
	sort.Strings(parts)
	return "signature upload failed for " + strings.Join(parts, ", ")
}

type signatureRef struct {
	userID id.UserID
	keyID  id.KeyID
}

// sortedSignatures lists the signatures of sigs in a stable order so trust
// computations and recorded links do not depend on map iteration.
func sortedSignatures(sigs models.Signatures) []signatureRef {
	var refs []signatureRef
	for userID, keys := range sigs {
		for keyID := range keys {
			refs = append(refs, signatureRef{userID: userID, keyID: keyID})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].userID != refs[j].userID {
			return refs[i].userID < refs[j].userID
		}
		return refs[i].keyID < refs[j].keyID
	})
	return refs
}
