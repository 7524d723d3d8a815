package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/models"
)

var ErrNoClient = errors.New("no client for user")

// Manager owns the sessions of every logged in account.
type Manager struct {
	sessions *xsync.Map[id.UserID, *Session]
	opts     SessionOptions
	logger   *slog.Logger
	onStart  []func(*Session)
}

func NewManager(opts SessionOptions, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: xsync.NewMap[id.UserID, *Session](),
		opts:     opts,
		logger:   logger,
	}
}

// OnSessionStart registers fn to run for every session the manager
// starts. It must be called before any session is started.
func (m *Manager) OnSessionStart(fn func(*Session)) {
	m.onStart = append(m.onStart, fn)
}

func (m *Manager) Session(userID id.UserID) (*Session, error) {
	s, ok := m.sessions.Load(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, userID)
	}
	return s, nil
}

func (m *Manager) UserIDs() []id.UserID {
	users := make([]id.UserID, 0, m.sessions.Size())
	m.sessions.Range(func(userID id.UserID, _ *Session) bool {
		users = append(users, userID)
		return true
	})
	return users
}

// Login logs in with a password, stores the credentials in the keyring and
// starts the account's session.
func (m *Manager) Login(ctx context.Context, creds models.LoginCredentials) (*Session, error) {
	homeserver := creds.Homeserver
	if !strings.HasPrefix(homeserver, "http") {
		homeserver = "https://" + homeserver
	}

	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	loginReq := &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: creds.Username,
		},
		Password:                 creds.Password,
		InitialDeviceDisplayName: "Arko Key Trust",
		StoreCredentials:         true,
	}
	if creds.DeviceID != "" {
		loginReq.DeviceID = id.DeviceID(creds.DeviceID)
	}

	resp, err := client.Login(ctx, loginReq)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	meta := credentials.SessionMetadata{
		Homeserver: homeserver,
		UserID:     resp.UserID,
		DeviceID:   resp.DeviceID,
	}
	if err := credentials.StoreSession(meta, resp.AccessToken); err != nil {
		m.logger.Error("failed to store session in keyring",
			"user", resp.UserID,
			"err", err,
		)
	}

	if creds.DeviceID == "" {
		_ = os.RemoveAll(cryptoDBDir(m.opts.CryptoDBPath, resp.UserID))
	}
	return m.start(ctx, client)
}

func (m *Manager) RestoreAllSessions(ctx context.Context) {
	for _, userID := range credentials.GetKnownUsers() {
		if err := m.RestoreSession(ctx, userID); err != nil {
			m.logger.Error("failed to restore session",
				"user", userID,
				"err", err,
			)
		}
	}
}

func (m *Manager) RestoreSession(ctx context.Context, userID id.UserID) error {
	meta, token, err := credentials.LoadSession(userID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	client, err := mautrix.NewClient(meta.Homeserver, meta.UserID, token)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	client.DeviceID = meta.DeviceID

	_, err = m.start(ctx, client)
	return err
}

func (m *Manager) start(ctx context.Context, client *mautrix.Client) (*Session, error) {
	if err := os.MkdirAll(m.opts.CryptoDBPath, 0o700); err != nil {
		return nil, fmt.Errorf("create crypto dir: %w", err)
	}
	s, err := NewSession(ctx, client, m.opts, m.logger)
	if err != nil {
		return nil, err
	}
	if old, loaded := m.sessions.LoadAndStore(client.UserID, s); loaded {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close replaced session", "user", client.UserID, "err", err)
		}
	}
	for _, fn := range m.onStart {
		fn(s)
	}
	s.StartSync()
	return s, nil
}

// Logout ends the server session and forgets the account's credentials
// and key store.
func (m *Manager) Logout(ctx context.Context, userID id.UserID) error {
	s, ok := m.sessions.LoadAndDelete(userID)

	credentials.DeleteSession(userID)
	credentials.DeleteRecoveryKey(userID)
	_ = credentials.RemoveKnownUser(userID)

	if !ok {
		return nil
	}
	if err := s.Close(); err != nil {
		m.logger.Error("failed to close session", "user", userID, "err", err)
	}
	_, err := s.Client().Logout(ctx)
	if rmErr := os.RemoveAll(cryptoDBDir(m.opts.CryptoDBPath, userID)); rmErr != nil {
		m.logger.Warn("failed to remove crypto store", "user", userID, "err", rmErr)
	}
	return err
}

func (m *Manager) Shutdown() {
	m.sessions.Range(func(userID id.UserID, s *Session) bool {
		if err := s.Close(); err != nil {
			m.logger.Error("failed to close session",
				"user", userID,
				"err", err,
			)
		}
		m.sessions.Delete(userID)
		return true
	})
}
