package badgerstore

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/store"
)

const tableRooms = "room"

func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID) (*models.RoomInfo, error) {
	var out models.RoomInfo
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key(tableRooms, string(roomID)), &out)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (s *Store) UpdateRoom(ctx context.Context, roomID id.RoomID, fn store.RoomUpdate) error {
	k := key(tableRooms, string(roomID))
	return s.update(ctx, func(txn *badger.Txn) error {
		old := models.RoomInfo{RoomID: roomID}
		if _, err := getJSON(txn, k, &old); err != nil {
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		next.RoomID = roomID
		return setJSON(txn, k, next)
	})
}

func (s *Store) JoinedEncryptedRooms(ctx context.Context, userID id.UserID) ([]models.RoomInfo, error) {
	var rooms []models.RoomInfo
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix(tableRooms), func(_, v []byte) error {
			var room models.RoomInfo
			if err := decode(v, &room); err != nil {
				return err
			}
			if room.Encrypted && room.Members[userID] == event.MembershipJoin {
				rooms = append(rooms, room)
			}
			return nil
		})
	})
	return rooms, err
}
