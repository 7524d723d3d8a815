package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store/badgerstore"
)

const syncRetryDelay = 5 * time.Second

type SessionOptions struct {
	CryptoDBPath      string
	PickleKey         []byte
	KeyQueryBatchSize int
	Policy            crypto.TrustPolicy
}

// Session is the key trust core of one logged in account together with
// the sync loop feeding it.
type Session struct {
	logger *slog.Logger
	client *mautrix.Client
	store  *badgerstore.Store

	trust        *crypto.TrustEvaluator
	synchronizer *crypto.OutdatedKeySynchronizer
	bootstrapper *crypto.CrossSigningBootstrapper
	keeper       *crypto.SessionKeeper
	changes      *models.TrustChangeLog

	cancel context.CancelFunc
	done   chan struct{}
}

func cryptoDBDir(root string, userID id.UserID) string {
	return filepath.Join(root, url.PathEscape(string(userID))+".db")
}

// NewSession opens the account's key store and assembles the core. A new
// device account is created and its keys uploaded on first use.
func NewSession(ctx context.Context, client *mautrix.Client, opts SessionOptions, logger *slog.Logger) (*Session, error) {
	if client.UserID == "" || client.DeviceID == "" {
		return nil, fmt.Errorf("%w: client has no user or device id", crypto.ErrPrecondition)
	}
	logger = logger.With("user", client.UserID)

	st, err := badgerstore.Open(cryptoDBDir(opts.CryptoDBPath, client.UserID), logger)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}

	s, err := newSession(ctx, client, st, credentials.NewSecretStore(client.UserID), opts, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func newSession(
	ctx context.Context,
	client *mautrix.Client,
	st *badgerstore.Store,
	secrets *credentials.SecretStore,
	opts SessionOptions,
	logger *slog.Logger,
) (*Session, error) {
	repo := NewRepository(client, logger)

	account, created, err := crypto.LoadOrCreateAccount(ctx, st, client.UserID, client.DeviceID, opts.PickleKey)
	if err != nil {
		return nil, err
	}

	trust := crypto.NewTrustEvaluator(st, secrets, repo, account, opts.Policy, logger)
	changes := models.NewTrustChangeLog(0)
	trust.SetObserver(changes)

	synchronizer := crypto.NewOutdatedKeySynchronizer(st, st, repo, trust, client.UserID, opts.KeyQueryBatchSize, logger)
	backup := crypto.NewKeyBackupBootstrapper(repo, secrets, account, logger)
	keeper := crypto.NewSessionKeeper(st, repo, account, opts.PickleKey, logger)

	s := &Session{
		logger:       logger,
		client:       client,
		store:        st,
		trust:        trust,
		synchronizer: synchronizer,
		bootstrapper: crypto.NewCrossSigningBootstrapper(repo, secrets, st, account, trust, synchronizer, backup, logger),
		keeper:       keeper,
		changes:      changes,
	}

	if created {
		logger.Info("created device account", "device", client.DeviceID)
		if err := keeper.UploadDeviceKeys(ctx); err != nil {
			return nil, fmt.Errorf("upload device keys: %w", err)
		}
		if err := st.UpdateOutdatedKeys(ctx, []id.UserID{client.UserID}, nil); err != nil {
			return nil, fmt.Errorf("track own keys: %w", err)
		}
	}
	return s, nil
}

func (s *Session) UserID() id.UserID { return s.client.UserID }
func (s *Session) DeviceID() id.DeviceID { return s.client.DeviceID }
func (s *Session) Client() *mautrix.Client { return s.client }
func (s *Session) Keys() *badgerstore.Store { return s.store }
func (s *Session) Trust() *crypto.TrustEvaluator { return s.trust }
func (s *Session) Synchronizer() *crypto.OutdatedKeySynchronizer { return s.synchronizer }
func (s *Session) Bootstrapper() *crypto.CrossSigningBootstrapper { return s.bootstrapper }
func (s *Session) Keeper() *crypto.SessionKeeper { return s.keeper }
func (s *Session) Changes() *models.TrustChangeLog { return s.changes }

// StartSync runs the sync loop until Close. Failed syncs are retried after
// a fixed delay.
func (s *Session) StartSync() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.client.Syncer = newKeySyncer(s)

	go func() {
		defer close(s.done)
		for {
			err := s.client.SyncWithContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("sync error", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(syncRetryDelay):
			}
		}
	}()
}

// Close stops the sync loop and closes the key store.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.changes.Shutdown()
	return s.store.Close()
}
