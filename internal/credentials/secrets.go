package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

var _ store.SecretStore = (*SecretStore)(nil)

// SecretStore keeps the decrypted cross-signing and backup keys of one
// account, each next to the encrypted account data event it came from.
type SecretStore struct {
	mu     sync.Mutex
	userID id.UserID
}

func NewSecretStore(userID id.UserID) *SecretStore {
	return &SecretStore{userID: userID}
}

func (s *SecretStore) entry(secretType models.SecretType) string {
	return entry(s.userID, "secret:"+string(secretType))
}

func (s *SecretStore) load(secretType models.SecretType) (*models.StoredSecret, error) {
	raw, err := get(s.entry(secretType))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load secret %s: %w", secretType, err)
	}
	var secret models.StoredSecret
	if err := json.Unmarshal([]byte(raw), &secret); err != nil {
		return nil, fmt.Errorf("unmarshal secret %s: %w", secretType, err)
	}
	return &secret, nil
}

// GetSecret returns nil when secretType was never stored.
func (s *SecretStore) GetSecret(ctx context.Context, secretType models.SecretType) (*models.StoredSecret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(secretType)
}

func (s *SecretStore) UpdateSecret(ctx context.Context, secretType models.SecretType, fn store.SecretUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.load(secretType)
	if err != nil {
		return err
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		err := keyring.Delete(serviceName, s.entry(secretType))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("delete secret %s: %w", secretType, err)
		}
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal secret %s: %w", secretType, err)
	}
	if err := keyring.Set(serviceName, s.entry(secretType), string(data)); err != nil {
		return fmt.Errorf("store secret %s: %w", secretType, err)
	}
	return nil
}

func (s *SecretStore) SaveSecret(ctx context.Context, secretType models.SecretType, secret models.StoredSecret) error {
	return s.UpdateSecret(ctx, secretType, func(*models.StoredSecret) (*models.StoredSecret, error) {
		return &secret, nil
	})
}
