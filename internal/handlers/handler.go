package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keytrust/internal/credentials"
	"github.com/arko-chat/keytrust/internal/crypto"
	"github.com/arko-chat/keytrust/internal/matrix"
	"github.com/arko-chat/keytrust/internal/middleware"
	"github.com/arko-chat/keytrust/internal/models"
	"github.com/arko-chat/keytrust/internal/service"
	"github.com/arko-chat/keytrust/internal/ws"
)

// Accounts logs accounts in and out.
type Accounts interface {
	Login(ctx context.Context, creds models.LoginCredentials) (*matrix.Session, error)
	Logout(ctx context.Context, userID id.UserID) error
}

type Handler struct {
	svc      *service.TrustService
	accounts Accounts
	hub      *ws.Hub
	logger   *slog.Logger
}

func New(svc *service.TrustService, accounts Accounts, hub *ws.Hub, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, accounts: accounts, hub: hub, logger: logger}
}

func (h *Handler) account(r *http.Request) id.UserID {
	return middleware.GetAccount(r.Context())
}

type errorResponse struct {
	Error   string `json:"error"`
	Session string `json:"session,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "err", err)
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	var uia *matrix.UIARequiredError
	switch {
	case errors.As(err, &uia):
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Session: uia.Session})
	case errors.Is(err, matrix.ErrNoClient):
		h.logger.Warn("no session for account", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, crypto.ErrUnknownKey), errors.Is(err, credentials.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, crypto.ErrPrecondition):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("handler error", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
