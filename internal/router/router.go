package router

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arko-chat/keytrust/internal/handlers"
	"github.com/arko-chat/keytrust/internal/middleware"
)

func New(h *handlers.Handler, accounts middleware.AccountLister) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)

	r.Post("/login", h.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Account(accounts))

		r.Post("/logout", h.HandleLogout)
		r.Post("/bootstrap", h.HandleBootstrap)
		r.Get("/recovery-key", h.HandleRecoveryKey)
		r.Delete("/recovery-key", h.HandleForgetRecoveryKey)
		r.Post("/signatures/retry", h.HandleRetrySignatures)
		r.Get("/changes", h.HandleTrustChanges)

		r.Get("/users/{userID}/devices", h.HandleListDevices)
		r.Get("/users/{userID}/cross-signing", h.HandleCrossSigningKeys)
		r.Post("/users/{userID}/trust", h.HandleTrust)

		r.Get("/ws/trust", h.HandleTrustWS)
	})

	return r
}
