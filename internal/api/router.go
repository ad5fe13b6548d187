package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Visitor routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.VisitorMiddleware)

			r.Post("/sessions", apiHandler.StartSessionHandler)
			r.Get("/visitors/{visitorID}/sessions", apiHandler.ListVisitorSessionsHandler)
			r.Get("/sessions/{sessionID}/messages", apiHandler.ListMessagesHandler)
			r.With(apiHandler.SendRateLimitMiddleware).Post("/sessions/{sessionID}/messages", apiHandler.PostMessageHandler)
			r.Post("/sessions/{sessionID}/read", apiHandler.MarkReadHandler)
			r.Get("/sessions/{sessionID}/ws", apiHandler.VisitorWSHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", apiHandler.LoginHandler)

			r.Group(func(r chi.Router) {
				r.Use(apiHandler.JWTAuthMiddleware)

				r.Get("/sessions", apiHandler.AdminListSessionsHandler)
				r.Get("/sessions/{sessionID}/messages", apiHandler.AdminListMessagesHandler)
				r.Post("/sessions/{sessionID}/messages", apiHandler.AdminPostMessageHandler)
				r.Post("/sessions/{sessionID}/read", apiHandler.AdminMarkReadHandler)
				r.Post("/sessions/{sessionID}/close", apiHandler.AdminCloseSessionHandler)
				r.Get("/ws", apiHandler.AdminWSHandler)
			})
		})
	})

	return r
}
