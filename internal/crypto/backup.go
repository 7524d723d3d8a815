package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/olm"
	"github.com/arko-chat/keytrust/internal/store"
)

// KeyBackupBootstrapper creates a fresh megolm key backup version signed
// by the own device and master key.
type KeyBackupBootstrapper struct {
	repo    SigningRequestRepository
	secrets store.SecretStore
	account *olm.Account
	logger  *slog.Logger
}

func NewKeyBackupBootstrapper(repo SigningRequestRepository, secrets store.SecretStore, account *olm.Account, logger *slog.Logger) *KeyBackupBootstrapper {
	return &KeyBackupBootstrapper{
		repo:    repo,
		secrets: secrets,
		account: account,
		logger:  logger,
	}
}

// BootstrapRoomKeyBackup registers a new backup version and stores the
// backup private key in secret storage under key. It returns the version
// assigned by the homeserver.
func (b *KeyBackupBootstrapper) BootstrapRoomKeyBackup(
	ctx context.Context,
	key *olm.SecretStorageKey,
	masterPrivateKey []byte,
	masterPublicKey string,
) (string, error) {
	if key == nil || len(key.Key) != olm.RecoveryKeyLength || key.ID == "" {
		return "", fmt.Errorf("%w: recovery key and key id are required", ErrPrecondition)
	}
	master, err := olm.SigningKeyFromSeed(masterPrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: master private key: %v", ErrPrecondition, err)
	}
	if master.PublicKey() != masterPublicKey {
		return "", fmt.Errorf("%w: master private key does not match public key", ErrPrecondition)
	}

	backupKey, err := olm.NewCurve25519KeyPair()
	if err != nil {
		return "", fmt.Errorf("generate backup key: %w", err)
	}
	authData := models.RoomKeyBackupAuthData{PublicKey: backupKey.PublicKey()}

	deviceSigs, err := b.account.Signatures(authData)
	if err != nil {
		return "", fmt.Errorf("sign backup with device key: %w", err)
	}
	masterSig, err := master.SignJSON(authData)
	if err != nil {
		return "", fmt.Errorf("sign backup with master key: %w", err)
	}
	ownUserID := b.account.UserID()
	authData.Signatures = deviceSigs.Merge(models.Signatures{
		ownUserID: {master.Key().ID: masterSig},
	})
	if _, ok := authData.Signatures.Get(ownUserID, b.account.SigningKey().ID); !ok {
		return "", fmt.Errorf("%w: backup auth data lacks the device signature", ErrPrecondition)
	}
	if _, ok := authData.Signatures.Get(ownUserID, master.Key().ID); !ok {
		return "", fmt.Errorf("%w: backup auth data lacks the master key signature", ErrPrecondition)
	}

	version, err := b.repo.CreateBackupVersion(ctx, models.MegolmBackupAlgorithm, authData)
	if err != nil {
		return "", fmt.Errorf("create backup version: %w", err)
	}

	content := olm.EncryptPrivateKey(key, models.SecretMegolmBackupKey, backupKey.PrivateKey())
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal backup key event: %w", err)
	}
	err = b.secrets.UpdateSecret(ctx, models.SecretMegolmBackupKey, func(*models.StoredSecret) (*models.StoredSecret, error) {
		return &models.StoredSecret{
			Event:               raw,
			DecryptedPrivateKey: olm.EncodeBase64(backupKey.PrivateKey()),
		}, nil
	})
	if err != nil {
		return "", fmt.Errorf("store backup key: %w", err)
	}
	if err := b.repo.SetAccountData(ctx, string(models.SecretMegolmBackupKey), content); err != nil {
		return "", fmt.Errorf("upload backup key: %w", err)
	}

	b.logger.Info("created room key backup", "version", version)
	return version, nil
}
