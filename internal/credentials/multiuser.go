package credentials

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

const knownUsersKey = "app:known_users"

func AddKnownUser(userID id.UserID) error {
	users := GetKnownUsers()
	if slices.Contains(users, userID) {
		return nil
	}
	return saveKnownUsers(append(users, userID))
}

func RemoveKnownUser(userID id.UserID) error {
	users := GetKnownUsers()
	return saveKnownUsers(slices.DeleteFunc(users, func(u id.UserID) bool {
		return u == userID
	}))
}

func saveKnownUsers(users []id.UserID) error {
	data, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("marshal known users: %w", err)
	}
	return keyring.Set(serviceName, knownUsersKey, string(data))
}

// GetKnownUsers lists accounts with stored sessions in login order.
func GetKnownUsers() []id.UserID {
	raw, err := keyring.Get(serviceName, knownUsersKey)
	if err != nil {
		return nil
	}
	var users []id.UserID
	_ = json.Unmarshal([]byte(raw), &users)
	return users
}
