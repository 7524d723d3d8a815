package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"maunium.net/go/mautrix/id"
)

type bootstrapRequest struct {
	Password string `json:"password"`
}

type trustRequest struct {
	KeyIDs []id.KeyID `json:"key_ids"`
	Block  bool       `json:"block,omitempty"`
}

func targetUser(r *http.Request) id.UserID {
	raw := chi.URLParam(r, "userID")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return id.UserID(raw)
}

// HandleBootstrap answers with the recovery key whenever one was
// generated, also when a later bootstrap step failed.
func (h *Handler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, "invalid bootstrap request")
			return
		}
	}

	view, err := h.svc.Bootstrap(r.Context(), h.account(r), req.Password)
	if err != nil && view.RecoveryKey == "" {
		h.serverError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("bootstrap incomplete", "user", h.account(r), "err", err)
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, view)
}

func (h *Handler) HandleRecoveryKey(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.RecoveryKey(h.account(r))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleForgetRecoveryKey(w http.ResponseWriter, r *http.Request) {
	h.svc.ForgetRecoveryKey(h.account(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.ListDevices(r.Context(), h.account(r), targetUser(r))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) HandleCrossSigningKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.CrossSigningKeys(r.Context(), h.account(r), targetUser(r))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) HandleTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.KeyIDs) == 0 {
		h.badRequest(w, "key_ids are required")
		return
	}

	account, target := h.account(r), targetUser(r)
	var err error
	if req.Block {
		for _, keyID := range req.KeyIDs {
			if err = h.svc.BlockKey(r.Context(), account, target, keyID); err != nil {
				break
			}
		}
	} else {
		err = h.svc.TrustKeys(r.Context(), account, target, req.KeyIDs)
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	devices, err := h.svc.ListDevices(r.Context(), account, target)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) HandleRetrySignatures(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.RetrySignatures(r.Context(), h.account(r))
	if err != nil && pending == nil {
		h.serverError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("signature retry incomplete", "user", h.account(r), "err", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *Handler) HandleTrustChanges(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			h.badRequest(w, "since must be a sequence number")
			return
		}
	}
	changes, err := h.svc.TrustChanges(h.account(r), since)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, changes)
}
