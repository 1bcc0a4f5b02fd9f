package http

import (
	"net/http"

	"github.com/atinyakov/GophChat/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the relay server's HTTP handler.
//
// Routes:
//
//	GET  /healthz           → liveness probe
//	GET  /ws                → wsHandler (websocket upgrade)
//	POST /api/register      → authHandler.Register
//	POST /api/login         → authHandler.Login (protected by CertAuth)
//	GET  /api/users         → usersHandler.Search
//	GET  /api/users/{id}    → usersHandler.Get
//
// Every route is logged and tagged with the client certificate identity when
// one is presented; /ws also accepts a login ticket when the auth handler
// issues them, and /api only accepts JSON bodies.
func NewRouter(
	authHandler *AuthHandler,
	usersHandler *UsersHandler,
	wsHandler http.Handler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CertIdentity)
	r.Use(middleware.WithRequestLogging(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if authHandler.Tickets != nil {
		r.With(middleware.TicketIdentity(authHandler.Tickets)).Get("/ws", wsHandler.ServeHTTP)
	} else {
		r.Get("/ws", wsHandler.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		// Only allow requests with Content-Type: application/json
		r.Use(chiMiddleware.AllowContentType("application/json"))

		r.Post("/register", authHandler.Register)
		r.Get("/users", usersHandler.Search)
		r.Get("/users/{id}", usersHandler.Get)

		// Protected group: requires valid client certificate
		r.Group(func(r chi.Router) {
			r.Use(middleware.CertAuth)
			r.Post("/login", authHandler.Login)
		})
	})

	return r
}
