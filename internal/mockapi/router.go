package mockapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler serves the API under /api and the websocket endpoint under /app.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(s.logger))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/app/{key}", s.hub.HandleWebSocket)

	requireAuth := authMiddleware(s.jwt, func() { s.stats.unauthorized.Add(1) })
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/refresh", s.refresh)
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me", s.me)
			r.Post("/logout", s.logout)
			r.Post("/broadcasting/auth", s.broadcastAuth)
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Post("/read", s.markManyRead)
				r.Post("/mark-all-read", s.markAllRead)
				r.Post("/{id}/read", s.markOneRead)
			})
		})
	})
	return otelhttp.NewHandler(r, "mockapi")
}
