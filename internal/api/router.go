/**
 * @description
 * This file sets up the HTTP router for the transaction engine. It defines the API
 * endpoints, associates them with their handlers, and applies the middleware for
 * authentication and role checks.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries what the router needs besides the handlers.
type RouterConfig struct {
	JWTSecret string
	JWTIssuer string
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// TransactionRoutes creates and returns the engine router.
func TransactionRoutes(h *TransactionHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/transactions", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

		r.Post("/precheck", h.PreCheckHandler)
		r.Post("/", h.ExecuteTransferHandler)
		r.Post("/payments", h.ServicePaymentHandler)
		r.Get("/{id}", h.GetTransactionHandler)
		r.Delete("/{id}/schedule", h.CancelScheduleHandler)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleManager, RoleAdmin))
			r.Post("/{id}/approve", h.ApproveHandler)
			r.Post("/{id}/reject", h.RejectHandler)
		})
	})

	return r
}
