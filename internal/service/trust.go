// Package service answers the UI's trust queries and commands for the
// logged in accounts.
package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/cache"
	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/matrix"
	"github.com/arko-chat/keytrust/internal/models"
)

const (
	cacheTTL     = 3 * time.Second
	qrImageSize  = 256
	qrDataPrefix = "data:image/png;base64,"
)

// Sessions resolves the session of a logged in account.
type Sessions interface {
	Session(userID id.UserID) (*matrix.Session, error)
}

type TrustService struct {
	sessions     Sessions
	devices      *cache.Cache[[]models.DeviceView]
	crossSigning *cache.Cache[[]models.CrossSigningKeyView]
	logger       *slog.Logger
}

func NewTrustService(sessions Sessions, logger *slog.Logger) *TrustService {
	return &TrustService{
		sessions:     sessions,
		devices:      cache.New[[]models.DeviceView](cacheTTL),
		crossSigning: cache.New[[]models.CrossSigningKeyView](cacheTTL),
		logger:       logger,
	}
}

func cacheKey(account, target id.UserID) string {
	return string(account) + "|" + string(target)
}

func (s *TrustService) invalidate(account, target id.UserID) {
	s.devices.Invalidate(cacheKey(account, target))
	s.crossSigning.Invalidate(cacheKey(account, target))
}

// Watch drops cached views of every user whose trust changes in sess, so
// changes made by sync show up before the TTL runs out.
func (s *TrustService) Watch(sess *matrix.Session) uint64 {
	account := sess.UserID()
	return sess.Changes().Listen(context.Background(), func(c models.TrustChange) {
		s.invalidate(account, c.UserID)
	})
}

// Bootstrap creates a new cross-signing identity for account. An empty
// password disables interactive auth.
func (s *TrustService) Bootstrap(ctx context.Context, account id.UserID, password string) (models.BootstrapView, error) {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return models.BootstrapView{}, err
	}

	var auth crypto.AuthCallback
	if password != "" {
		auth = crypto.PasswordAuth(account, password)
	}
	result := sess.Bootstrapper().Bootstrap(ctx, auth)
	s.invalidate(account, account)

	view := models.BootstrapView{RecoveryKey: result.RecoveryKey}
	if result.Err != nil {
		view.Error = result.Err.Error()
	}
	if result.RecoveryKey == "" {
		return view, result.Err
	}

	if err := credentials.StoreRecoveryKey(account, result.RecoveryKey); err != nil {
		s.logger.Warn("failed to store recovery key in keyring",
			"user", account,
			"err", err,
		)
	}
	view.RecoveryKeyQR, err = recoveryKeyQR(result.RecoveryKey)
	if err != nil {
		s.logger.Warn("failed to render recovery key", "user", account, "err", err)
	}
	return view, result.Err
}

// RecoveryKey shows the recovery key of the last bootstrap again until
// ForgetRecoveryKey is called. It returns credentials.ErrNotFound when no
// key is kept.
func (s *TrustService) RecoveryKey(account id.UserID) (models.BootstrapView, error) {
	recoveryKey, err := credentials.LoadRecoveryKey(account)
	if err != nil {
		return models.BootstrapView{}, err
	}
	view := models.BootstrapView{RecoveryKey: recoveryKey}
	view.RecoveryKeyQR, err = recoveryKeyQR(recoveryKey)
	if err != nil {
		s.logger.Warn("failed to render recovery key", "user", account, "err", err)
	}
	return view, nil
}

// ForgetRecoveryKey drops the kept recovery key once the user saved it.
func (s *TrustService) ForgetRecoveryKey(account id.UserID) {
	credentials.DeleteRecoveryKey(account)
}

func recoveryKeyQR(recoveryKey string) (string, error) {
	qr, err := qrcode.New(recoveryKey, qrcode.High)
	if err != nil {
		return "", fmt.Errorf("generate QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(qrImageSize)); err != nil {
		return "", fmt.Errorf("encode QR PNG: %w", err)
	}
	return qrDataPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *TrustService) ListDevices(ctx context.Context, account, target id.UserID) ([]models.DeviceView, error) {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return nil, err
	}
	return s.devices.Get(ctx, cacheKey(account, target), func(ctx context.Context) ([]models.DeviceView, error) {
		devices, err := sess.Keys().GetDeviceKeys(ctx, target)
		if err != nil {
			return nil, err
		}
		views := make([]models.DeviceView, 0, len(devices))
		for deviceID, d := range devices {
			signing, _ := d.Value.SigningKey()
			views = append(views, models.DeviceView{
				UserID:     target,
				DeviceID:   deviceID,
				Ed25519:    signing.Value,
				Curve25519: string(d.Value.IdentityKey()),
				Trust:      d.TrustLevel,
				Trusted:    d.TrustLevel.IsTrusted(),
			})
		}
		slices.SortFunc(views, func(a, b models.DeviceView) int {
			return strings.Compare(string(a.DeviceID), string(b.DeviceID))
		})
		return views, nil
	})
}

func (s *TrustService) CrossSigningKeys(ctx context.Context, account, target id.UserID) ([]models.CrossSigningKeyView, error) {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return nil, err
	}
	return s.crossSigning.Get(ctx, cacheKey(account, target), func(ctx context.Context) ([]models.CrossSigningKeyView, error) {
		set, err := sess.Keys().GetCrossSigningKeys(ctx, target)
		if err != nil {
			return nil, err
		}
		views := make([]models.CrossSigningKeyView, 0, len(set))
		for _, k := range set {
			signing, ok := k.Value.SigningKey()
			if !ok {
				continue
			}
			views = append(views, models.CrossSigningKeyView{
				UserID:    target,
				Usage:     k.Value.Usage,
				KeyID:     signing.ID,
				PublicKey: signing.Value,
				Trust:     k.TrustLevel,
				Trusted:   k.TrustLevel.IsTrusted(),
			})
		}
		return views, nil
	})
}

// resolveKeys finds the stored device or cross-signing key behind each key
// id.
func resolveKeys(ctx context.Context, sess *matrix.Session, target id.UserID, keyIDs []id.KeyID) ([]models.Key, error) {
	devices, err := sess.Keys().GetDeviceKeys(ctx, target)
	if err != nil {
		return nil, err
	}
	set, err := sess.Keys().GetCrossSigningKeys(ctx, target)
	if err != nil {
		return nil, err
	}

	keys := make([]models.Key, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		_, name := keyID.Parse()
		if d, ok := devices[id.DeviceID(name)]; ok {
			if k, ok := d.Value.SigningKey(); ok && k.ID == keyID {
				keys = append(keys, k)
				continue
			}
		}
		if cs, ok := set.ByKeyName(name); ok {
			if k, ok := cs.Value.SigningKey(); ok {
				keys = append(keys, k)
				continue
			}
		}
		return nil, fmt.Errorf("%w: %s of %s", crypto.ErrUnknownKey, keyID, target)
	}
	return keys, nil
}

// TrustKeys verifies the given keys of target and signs them where the own
// identity can. A refused signature upload leaves the keys trusted.
func (s *TrustService) TrustKeys(ctx context.Context, account, target id.UserID, keyIDs []id.KeyID) error {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return err
	}
	keys, err := resolveKeys(ctx, sess, target, keyIDs)
	if err != nil {
		return err
	}
	defer s.invalidate(account, target)
	return sess.Trust().TrustAndSignKeys(ctx, target, keys)
}

func (s *TrustService) BlockKey(ctx context.Context, account, target id.UserID, keyID id.KeyID) error {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return err
	}
	keys, err := resolveKeys(ctx, sess, target, []id.KeyID{keyID})
	if err != nil {
		return err
	}
	defer s.invalidate(account, target)
	return sess.Trust().BlockKey(ctx, target, keys[0])
}

// RetrySignatures re-uploads queued signatures and returns the ones still
// pending.
func (s *TrustService) RetrySignatures(ctx context.Context, account id.UserID) ([]models.PendingSignature, error) {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return nil, err
	}
	retryErr := sess.Trust().RetryPendingSignatures(ctx)
	pending, err := sess.Trust().PendingSignatures(ctx)
	if err != nil {
		return nil, err
	}
	return pending, retryErr
}

// TrustChanges returns the retained trust changes of account after seq.
func (s *TrustService) TrustChanges(account id.UserID, seq uint64) ([]models.TrustChange, error) {
	sess, err := s.sessions.Session(account)
	if err != nil {
		return nil, err
	}
	return sess.Changes().Since(seq), nil
}
