package middleware

import (
	"context"
	"net/http"
	"slices"

	"maunium.net/go/mautrix/id"
)

// AccountHeader selects the logged in account a request acts as.
const AccountHeader = "X-Matrix-User"

type contextKey string

const accountKey = contextKey("account")

type AccountLister interface {
	UserIDs() []id.UserID
}

// Account resolves the acting account from AccountHeader, falling back to
// the first logged in account. Requests without any account get 401.
func Account(accounts AccountLister) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			known := accounts.UserIDs()
			userID := id.UserID(r.Header.Get(AccountHeader))

			switch {
			case userID != "" && !slices.Contains(known, userID):
				http.Error(w, `{"error": "account is not logged in"}`, http.StatusUnauthorized)
				return
			case userID == "" && len(known) == 0:
				http.Error(w, `{"error": "no account is logged in"}`, http.StatusUnauthorized)
				return
			case userID == "":
				slices.Sort(known)
				userID = known[0]
			}

			ctx := context.WithValue(r.Context(), accountKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetAccount(ctx context.Context) id.UserID {
	userID, _ := ctx.Value(accountKey).(id.UserID)
	return userID
}
