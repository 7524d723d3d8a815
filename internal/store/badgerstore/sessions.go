package badgerstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

const (
	tableOlmSessions      = "olm"
	tableInboundMegolm    = "imeg"
	tableOutboundMegolm   = "omeg"
	tableMessageIndex     = "midx"
	tablePendingSignature = "pend"
	tableAccount          = "account"
)

func (s *Store) GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]models.StoredOlmSession, error) {
	var out []models.StoredOlmSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := getJSON(txn, key(tableOlmSessions, string(senderKey)), &out)
		return err
	})
	return out, err
}

func (s *Store) UpdateOlmSessions(ctx context.Context, senderKey id.Curve25519, fn store.OlmSessionsUpdate) error {
	k := key(tableOlmSessions, string(senderKey))
	return s.update(ctx, func(txn *badger.Txn) error {
		var old []models.StoredOlmSession
		if _, err := getJSON(txn, k, &old); err != nil {
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return deleteKey(txn, k)
		}
		return setJSON(txn, k, next)
	})
}

func (s *Store) GetInboundMegolmSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*models.StoredInboundMegolmSession, error) {
	var out models.StoredInboundMegolmSession
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key(tableInboundMegolm, string(roomID), string(sessionID)), &out)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (s *Store) SaveInboundMegolmSession(ctx context.Context, session models.StoredInboundMegolmSession) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(tableInboundMegolm, string(session.RoomID), string(session.SessionID)), session)
	})
}

func (s *Store) GetOutboundMegolmSession(ctx context.Context, roomID id.RoomID) (*models.StoredOutboundMegolmSession, error) {
	var out models.StoredOutboundMegolmSession
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key(tableOutboundMegolm, string(roomID)), &out)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (s *Store) UpdateOutboundMegolmSession(ctx context.Context, roomID id.RoomID, fn store.OutboundSessionUpdate) error {
	k := key(tableOutboundMegolm, string(roomID))
	return s.update(ctx, func(txn *badger.Txn) error {
		var old models.StoredOutboundMegolmSession
		found, err := getJSON(txn, k, &old)
		if err != nil {
			return err
		}
		var cur *models.StoredOutboundMegolmSession
		if found {
			cur = &old
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return deleteKey(txn, k)
		}
		return setJSON(txn, k, next)
	})
}

func (s *Store) CheckMessageIndex(ctx context.Context, index models.StoredMegolmMessageIndex) error {
	k := key(tableMessageIndex, string(index.RoomID), string(index.SessionID), strconv.FormatUint(uint64(index.MessageIndex), 10))
	return s.update(ctx, func(txn *badger.Txn) error {
		var prev models.StoredMegolmMessageIndex
		found, err := getJSON(txn, k, &prev)
		if err != nil {
			return err
		}
		if found {
			if prev.EventID != index.EventID || prev.OriginTimestamp != index.OriginTimestamp {
				return fmt.Errorf("%w: index %d of session %s", store.ErrReplayedMessageIndex, index.MessageIndex, index.SessionID)
			}
			return nil
		}
		return setJSON(txn, k, index)
	})
}

func (s *Store) GetPendingSignatures(ctx context.Context) ([]models.PendingSignature, error) {
	var out []models.PendingSignature
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix(tablePendingSignature), func(_, v []byte) error {
			var p models.PendingSignature
			if err := decode(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// SavePendingSignatures upserts by (user, key name); a re-queued object
// keeps its original QueuedAt and counts one more attempt.
func (s *Store) SavePendingSignatures(ctx context.Context, pending []models.PendingSignature) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, p := range pending {
			k := key(tablePendingSignature, string(p.UserID), p.KeyName)
			var prev models.PendingSignature
			found, err := getJSON(txn, k, &prev)
			if err != nil {
				return err
			}
			if found {
				p.QueuedAt = prev.QueuedAt
				p.Attempts = prev.Attempts + max(p.Attempts, 1)
			}
			if err := setJSON(txn, k, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeletePendingSignature(ctx context.Context, userID id.UserID, keyName string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, key(tablePendingSignature, string(userID), keyName))
	})
}

func (s *Store) GetAccount(ctx context.Context) (string, error) {
	var pickled string
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key(tableAccount), &pickled)
		return err
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", store.ErrNoAccount
	}
	return pickled, nil
}

func (s *Store) SaveAccount(ctx context.Context, pickled string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(tableAccount), pickled)
	})
}
