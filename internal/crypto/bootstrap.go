package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/olm"
	"github.com/arko-chat/keytrust/internal/store"
)

const maxKeyIDAttempts = 10

// BootstrapResult carries the recovery key even when a later step failed,
// since account data written before the failure may already use it.
type BootstrapResult struct {
	RecoveryKey string
	Err         error
}

// CrossSigningBootstrapper creates a new cross-signing identity and secret
// storage for the own account.
type CrossSigningBootstrapper struct {
	repo    SigningRequestRepository
	secrets store.SecretStore
	keys    store.KeyStore
	account *olm.Account
	trust   *TrustEvaluator
	sync    *OutdatedKeySynchronizer
	backup  *KeyBackupBootstrapper
	logger  *slog.Logger
}

func NewCrossSigningBootstrapper(
	repo SigningRequestRepository,
	secrets store.SecretStore,
	keys store.KeyStore,
	account *olm.Account,
	trust *TrustEvaluator,
	sync *OutdatedKeySynchronizer,
	backup *KeyBackupBootstrapper,
	logger *slog.Logger,
) *CrossSigningBootstrapper {
	return &CrossSigningBootstrapper{
		repo:    repo,
		secrets: secrets,
		keys:    keys,
		account: account,
		trust:   trust,
		sync:    sync,
		backup:  backup,
		logger:  logger,
	}
}

type crossSigningKey struct {
	secretType models.SecretType
	usage      id.CrossSigningUsage
	private    *olm.SigningKey
	public     models.CrossSigningKeys
	encrypted  models.SecretEventContent
}

// Bootstrap runs every step in order and stops at the first failure.
// Nothing written before a failure is rolled back; a retry uses a new
// secret storage key id.
func (b *CrossSigningBootstrapper) Bootstrap(ctx context.Context, auth AuthCallback) BootstrapResult {
	key, err := olm.NewSecretStorageKey("")
	if err != nil {
		return BootstrapResult{Err: err}
	}
	result := BootstrapResult{RecoveryKey: key.RecoveryKey()}
	result.Err = b.bootstrap(ctx, key, auth)
	if result.Err != nil {
		b.logger.Error("cross-signing bootstrap failed", "err", result.Err)
	}
	return result
}

func (b *CrossSigningBootstrapper) bootstrap(ctx context.Context, key *olm.SecretStorageKey, auth AuthCallback) error {
	ownUserID := b.account.UserID()

	keyID, err := b.freshKeyID(ctx)
	if err != nil {
		return err
	}
	key.ID = keyID
	if err := b.repo.SetAccountData(ctx, models.SecretStorageKeyEventPrefix+keyID, key.Metadata); err != nil {
		return fmt.Errorf("upload secret key descriptor: %w", err)
	}
	if err := b.repo.SetAccountData(ctx, models.SecretStorageDefaultKey, models.DefaultSecretKey{KeyID: keyID}); err != nil {
		return fmt.Errorf("upload default secret key: %w", err)
	}

	master, err := newCrossSigningKey(ownUserID, id.XSUsageMaster, models.SecretMasterKey, key, nil)
	if err != nil {
		return err
	}
	selfSigning, err := newCrossSigningKey(ownUserID, id.XSUsageSelfSigning, models.SecretSelfSigningKey, key, master.private)
	if err != nil {
		return err
	}
	userSigning, err := newCrossSigningKey(ownUserID, id.XSUsageUserSigning, models.SecretUserSigningKey, key, master.private)
	if err != nil {
		return err
	}

	for _, k := range []*crossSigningKey{selfSigning, userSigning} {
		event, err := json.Marshal(k.encrypted)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", k.secretType, err)
		}
		secret := models.StoredSecret{Event: event, DecryptedPrivateKey: k.private.SeedBase64()}
		err = b.secrets.UpdateSecret(ctx, k.secretType, func(*models.StoredSecret) (*models.StoredSecret, error) {
			return &secret, nil
		})
		if err != nil {
			return fmt.Errorf("store %s: %w", k.secretType, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range []*crossSigningKey{master, selfSigning, userSigning} {
		g.Go(func() error {
			if err := b.repo.SetAccountData(gctx, string(k.secretType), k.encrypted); err != nil {
				return fmt.Errorf("upload %s: %w", k.secretType, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := b.backup.BootstrapRoomKeyBackup(ctx, key, master.private.Seed(), master.private.PublicKey()); err != nil {
		return fmt.Errorf("bootstrap room key backup: %w", err)
	}

	err = b.repo.UploadCrossSigningKeys(ctx, models.CrossSigningUpload{
		MasterKey:      master.public,
		SelfSigningKey: selfSigning.public,
		UserSigningKey: userSigning.public,
	}, auth)
	if err != nil {
		return fmt.Errorf("upload cross-signing keys: %w", err)
	}

	if err := b.keys.UpdateOutdatedKeys(ctx, []id.UserID{ownUserID}, nil); err != nil {
		return fmt.Errorf("mark own keys outdated: %w", err)
	}
	if err := b.sync.UpdateOutdatedKeys(ctx); err != nil {
		return fmt.Errorf("update own keys: %w", err)
	}

	err = b.trust.TrustAndSignKeys(ctx, ownUserID, []models.Key{
		master.private.Key(),
		b.account.SigningKey(),
	})
	if err != nil {
		return fmt.Errorf("trust own keys: %w", err)
	}

	b.logger.Info("cross-signing bootstrapped", "master_key", master.private.PublicKey())
	return nil
}

// freshKeyID returns a secret storage key id no key event uses yet.
func (b *CrossSigningBootstrapper) freshKeyID(ctx context.Context) (string, error) {
	for range maxKeyIDAttempts {
		keyID, err := olm.GenerateSecretKeyID()
		if err != nil {
			return "", fmt.Errorf("generate secret key id: %w", err)
		}
		var existing json.RawMessage
		err = b.repo.GetAccountData(ctx, models.SecretStorageKeyEventPrefix+keyID, &existing)
		if errors.Is(err, ErrAccountDataNotFound) {
			return keyID, nil
		}
		if err != nil {
			return "", fmt.Errorf("check secret key id: %w", err)
		}
		b.logger.Debug("secret key id already taken, retrying", "key_id", keyID)
	}
	return "", fmt.Errorf("no free secret key id after %d attempts", maxKeyIDAttempts)
}

// newCrossSigningKey generates a key pair, signs its public bundle with
// signer (or itself when signer is nil) and encrypts the private part.
func newCrossSigningKey(
	userID id.UserID,
	usage id.CrossSigningUsage,
	secretType models.SecretType,
	key *olm.SecretStorageKey,
	signer *olm.SigningKey,
) (*crossSigningKey, error) {
	private, err := olm.NewSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", usage, err)
	}
	if signer == nil {
		signer = private
	}
	public := models.NewCrossSigningKeys(userID, usage, private.PublicKey())
	sig, err := signer.SignJSON(public)
	if err != nil {
		return nil, fmt.Errorf("sign %s key: %w", usage, err)
	}
	public = public.WithSignatures(models.Signatures{userID: {signer.Key().ID: sig}})

	return &crossSigningKey{
		secretType: secretType,
		usage:      usage,
		private:    private,
		public:     public,
		encrypted:  olm.EncryptPrivateKey(key, secretType, private.Seed()),
	}, nil
}
