package badgerstore

import (
	"context"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

const (
	tableDeviceKeys       = "dk"
	tableCrossSigningKeys = "csk"
	tableVerification     = "kvs"
	tableLinksBySigning   = "kcl.signing"
	tableLinksBySigned    = "kcl.signed"
	tableOutdated         = "outdated"
)

func (s *Store) GetDeviceKeys(ctx context.Context, userID id.UserID) (map[id.DeviceID]models.StoredDeviceKeys, error) {
	var out map[id.DeviceID]models.StoredDeviceKeys
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, key(tableDeviceKeys, string(userID)), &out)
		if err != nil {
			return err
		}
		if found && out == nil {
			out = make(map[id.DeviceID]models.StoredDeviceKeys)
		}
		return nil
	})
	return out, err
}

func (s *Store) UpdateDeviceKeys(ctx context.Context, userID id.UserID, fn store.DeviceKeysUpdate) error {
	k := key(tableDeviceKeys, string(userID))
	return s.update(ctx, func(txn *badger.Txn) error {
		var old map[id.DeviceID]models.StoredDeviceKeys
		found, err := getJSON(txn, k, &old)
		if err != nil {
			return err
		}
		if found && old == nil {
			old = make(map[id.DeviceID]models.StoredDeviceKeys)
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		if next == nil {
			return deleteKey(txn, k)
		}
		return setJSON(txn, k, next)
	})
}

func (s *Store) DeleteDeviceKeys(ctx context.Context, userID id.UserID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, key(tableDeviceKeys, string(userID)))
	})
}

func (s *Store) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (models.CrossSigningKeySet, error) {
	var out models.CrossSigningKeySet
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, key(tableCrossSigningKeys, string(userID)), &out)
		if found && out == nil {
			out = models.CrossSigningKeySet{}
		}
		return err
	})
	return out, err
}

func (s *Store) UpdateCrossSigningKeys(ctx context.Context, userID id.UserID, fn store.CrossSigningKeysUpdate) error {
	k := key(tableCrossSigningKeys, string(userID))
	return s.update(ctx, func(txn *badger.Txn) error {
		var old models.CrossSigningKeySet
		found, err := getJSON(txn, k, &old)
		if err != nil {
			return err
		}
		if found && old == nil {
			old = models.CrossSigningKeySet{}
		}
		next, err := fn(slices.Clone(old))
		if err != nil {
			return err
		}
		if next == nil {
			return deleteKey(txn, k)
		}
		return setJSON(txn, k, next)
	})
}

func (s *Store) DeleteCrossSigningKeys(ctx context.Context, userID id.UserID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, key(tableCrossSigningKeys, string(userID)))
	})
}

func (s *Store) GetVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID) (models.VerificationState, error) {
	var out models.VerificationState
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := getJSON(txn, key(tableVerification, string(userID), string(keyID)), &out)
		return err
	})
	return out, err
}

func (s *Store) SaveVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID, state models.VerificationState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(tableVerification, string(userID), string(keyID)), state)
	})
}

func (s *Store) DeleteVerificationState(ctx context.Context, userID id.UserID, keyID id.KeyID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteKey(txn, key(tableVerification, string(userID), string(keyID)))
	})
}

func keyParts(userID id.UserID, k models.Key) []string {
	return []string{string(userID), string(k.ID), k.Value}
}

func linkKeys(link models.KeyChainLink) (bySigning, bySigned []byte) {
	signing := keyParts(link.SigningUserID, link.SigningKey)
	signed := keyParts(link.SignedUserID, link.SignedKey)
	bySigning = key(append(append([]string{tableLinksBySigning}, signing...), signed...)...)
	bySigned = key(append(append([]string{tableLinksBySigned}, signed...), signing...)...)
	return bySigning, bySigned
}

// SaveKeyChainLink is idempotent: a link is stored under its endpoints, so
// saving it twice leaves a single edge.
func (s *Store) SaveKeyChainLink(ctx context.Context, link models.KeyChainLink) error {
	bySigning, bySigned := linkKeys(link)
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, bySigning, link); err != nil {
			return err
		}
		return setJSON(txn, bySigned, link)
	})
}

func (s *Store) DeleteKeyChainLinksBySignedKey(ctx context.Context, userID id.UserID, k models.Key) error {
	p := prefix(append([]string{tableLinksBySigned}, keyParts(userID, k)...)...)
	return s.update(ctx, func(txn *badger.Txn) error {
		var links []models.KeyChainLink
		err := scan(txn, p, func(_, v []byte) error {
			var link models.KeyChainLink
			if err := decode(v, &link); err != nil {
				return err
			}
			links = append(links, link)
			return nil
		})
		if err != nil {
			return err
		}
		for _, link := range links {
			bySigning, bySigned := linkKeys(link)
			if err := deleteKey(txn, bySigning); err != nil {
				return err
			}
			if err := deleteKey(txn, bySigned); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) getLinks(ctx context.Context, p []byte) ([]models.KeyChainLink, error) {
	var links []models.KeyChainLink
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, p, func(_, v []byte) error {
			var link models.KeyChainLink
			if err := decode(v, &link); err != nil {
				return err
			}
			links = append(links, link)
			return nil
		})
	})
	return links, err
}

func (s *Store) GetKeyChainLinksBySigningKey(ctx context.Context, userID id.UserID, k models.Key) ([]models.KeyChainLink, error) {
	return s.getLinks(ctx, prefix(append([]string{tableLinksBySigning}, keyParts(userID, k)...)...))
}

func (s *Store) GetKeyChainLinksBySignedKey(ctx context.Context, userID id.UserID, k models.Key) ([]models.KeyChainLink, error) {
	return s.getLinks(ctx, prefix(append([]string{tableLinksBySigned}, keyParts(userID, k)...)...))
}

func (s *Store) GetOutdatedKeys(ctx context.Context) ([]id.UserID, error) {
	p := prefix(tableOutdated)
	var users []id.UserID
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, p, func(k, _ []byte) error {
			users = append(users, id.UserID(k[len(p):]))
			return nil
		})
	})
	return users, err
}

func (s *Store) UpdateOutdatedKeys(ctx context.Context, add, remove []id.UserID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, userID := range add {
			if slices.Contains(remove, userID) {
				continue
			}
			if err := txn.Set(key(tableOutdated, string(userID)), []byte{}); err != nil {
				return err
			}
		}
		for _, userID := range remove {
			if err := deleteKey(txn, key(tableOutdated, string(userID))); err != nil {
				return err
			}
		}
		return nil
	})
}
