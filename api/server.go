/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique ID per request for tracing
  4. CORS:       cross-origin requests for the frontend

SECURITY NOTE:
  The X-Principal header is trusted as-is; there is no authentication
  middleware. Wallet keys and the identity-provider handshake live outside
  this repository.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Principal"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Token routes
		r.Route("/tokens", func(r chi.Router) {
			r.Post("/mine", h.MineTokens)
			r.Post("/send", h.SendTokens)
			r.Get("/balance", h.GetBalance)
			r.Get("/supply", h.GetSupply)
			r.Get("/transactions", h.ListTransactions)
		})

		// Property routes
		r.Route("/properties", func(r chi.Router) {
			r.Get("/", h.ListProperties)
			r.Post("/", h.CreateProperty)
			r.Get("/{id}", h.GetProperty)
			r.Post("/{id}/buy", h.BuyShares)
			r.Post("/{id}/transfer", h.TransferShares)
		})
	})

	return r
}
