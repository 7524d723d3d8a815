package handlers

import (
	"encoding/json"
	"net/http"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/models"
)

type loginResponse struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.LoginCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		h.badRequest(w, "invalid login request")
		return
	}
	if creds.Homeserver == "" || creds.Username == "" || creds.Password == "" {
		h.badRequest(w, "homeserver, username and password are required")
		return
	}

	if creds.DeviceID == "" {
		for _, userID := range credentials.GetKnownUsers() {
			meta, _, err := credentials.LoadSession(userID)
			if err != nil || meta.DeviceID == "" {
				continue
			}
			localpart, _, _ := userID.Parse()
			if localpart == creds.Username || string(userID) == creds.Username {
				creds.DeviceID = string(meta.DeviceID)
				break
			}
		}
	}

	sess, err := h.accounts.Login(r.Context(), creds)
	if err != nil {
		h.logger.Error("login failed",
			"homeserver", creds.Homeserver,
			"username", creds.Username,
			"err", err,
		)
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: "login failed, check the homeserver, username and password",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{UserID: sess.UserID(), DeviceID: sess.DeviceID()})
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID := h.account(r)
	if err := h.accounts.Logout(r.Context(), userID); err != nil {
		h.logger.Warn("server logout failed", "user", userID, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
