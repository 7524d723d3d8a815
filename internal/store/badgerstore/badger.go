package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/store"
)

const (
	sep        = "\x00"
	maxRetries = 100
)

var (
	_ store.KeyStore  = (*Store)(nil)
	_ store.RoomStore = (*Store)(nil)
)

// Store keeps every crypto table in one badger database. Read-modify-write
// operations run in badger transactions and are retried on ErrConflict, so
// concurrent updates of the same record never lose a write.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

func Open(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(logger.NewBadgerLogger(log))
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &Store{db: db, logger: log}, nil
}

// OpenInMemory is used by tests and ephemeral sessions.
func OpenInMemory(log *slog.Logger) (*Store, error) {
	return Open("", log)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return store.ErrTooManyConflicts
}

func getJSON[T any](txn *badger.Txn, k []byte, out *T) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, fmt.Errorf("decode %q: %w", k, err)
	}
	return true, nil
}

func decode(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return txn.Set(k, data)
}

func deleteKey(txn *badger.Txn, k []byte) error {
	err := txn.Delete(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// scan calls fn for every key under p. Keys and values are copies.
func scan(txn *badger.Txn, p []byte, fn func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}
