package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/olm"
	"github.com/arko-chat/keytrust/internal/store"
)

// LoadOrCreateAccount unpickles the stored device account or creates and
// stores a new one. created reports whether the device keys still have to
// be uploaded.
func LoadOrCreateAccount(ctx context.Context, keys store.KeyStore, userID id.UserID, deviceID id.DeviceID, pickleKey []byte) (account *olm.Account, created bool, err error) {
	pickled, err := keys.GetAccount(ctx)
	switch {
	case err == nil:
		account, err = olm.UnpickleAccount(pickled, pickleKey)
		if err != nil {
			return nil, false, err
		}
		if account.UserID() != userID || account.DeviceID() != deviceID {
			return nil, false, fmt.Errorf("%w: stored account belongs to %s/%s", ErrPrecondition, account.UserID(), account.DeviceID())
		}
		return account, false, nil
	case errors.Is(err, store.ErrNoAccount):
		account, err = olm.NewAccount(userID, deviceID)
		if err != nil {
			return nil, false, fmt.Errorf("create account: %w", err)
		}
		pickled, err = account.Pickle(pickleKey)
		if err != nil {
			return nil, false, err
		}
		if err := keys.SaveAccount(ctx, pickled); err != nil {
			return nil, false, fmt.Errorf("save account: %w", err)
		}
		return account, true, nil
	default:
		return nil, false, fmt.Errorf("load account: %w", err)
	}
}

// SessionKeeper keeps the device keys and the one-time key stock published.
type SessionKeeper struct {
	keys      store.KeyStore
	repo      SigningRequestRepository
	account   *olm.Account
	pickleKey []byte
	logger    *slog.Logger
}

func NewSessionKeeper(keys store.KeyStore, repo SigningRequestRepository, account *olm.Account, pickleKey []byte, logger *slog.Logger) *SessionKeeper {
	return &SessionKeeper{
		keys:      keys,
		repo:      repo,
		account:   account,
		pickleKey: pickleKey,
		logger:    logger,
	}
}

func (k *SessionKeeper) saveAccount(ctx context.Context) error {
	pickled, err := k.account.Pickle(k.pickleKey)
	if err != nil {
		return err
	}
	if err := k.keys.SaveAccount(ctx, pickled); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// UploadDeviceKeys publishes the device keys together with a first batch
// of one-time keys.
func (k *SessionKeeper) UploadDeviceKeys(ctx context.Context) error {
	deviceKeys, err := k.account.DeviceKeys()
	if err != nil {
		return err
	}
	otks, err := k.account.GenerateOneTimeKeys(olm.MaxOneTimeKeys / 2)
	if err != nil {
		return fmt.Errorf("generate one-time keys: %w", err)
	}
	return k.uploadKeys(ctx, models.UploadKeysRequest{
		DeviceKeys:  &deviceKeys,
		OneTimeKeys: oneTimeKeysBody(otks),
	})
}

// ReplenishOneTimeKeys tops the server's signed_curve25519 stock back up to
// the maximum once it fell below half of it.
func (k *SessionKeeper) ReplenishOneTimeKeys(ctx context.Context, counts map[id.KeyAlgorithm]int) error {
	current := counts[id.KeyAlgorithmSignedCurve25519]
	if current >= olm.MaxOneTimeKeys/2 {
		return nil
	}
	otks, err := k.account.GenerateOneTimeKeys(olm.MaxOneTimeKeys - current)
	if err != nil {
		return fmt.Errorf("generate one-time keys: %w", err)
	}
	k.logger.Debug("replenishing one-time keys", "server_count", current, "new", len(otks))
	return k.uploadKeys(ctx, models.UploadKeysRequest{OneTimeKeys: oneTimeKeysBody(otks)})
}

func oneTimeKeysBody(otks map[id.KeyID]olm.SignedOneTimeKey) map[id.KeyID]any {
	body := make(map[id.KeyID]any, len(otks))
	for keyID, otk := range otks {
		body[keyID] = otk
	}
	return body
}

func (k *SessionKeeper) uploadKeys(ctx context.Context, req models.UploadKeysRequest) error {
	counts, err := k.repo.UploadKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	k.account.MarkKeysAsPublished()
	if err := k.saveAccount(ctx); err != nil {
		return err
	}
	k.logger.Debug("uploaded keys", "one_time_keys", counts[id.KeyAlgorithmSignedCurve25519])
	return nil
}
