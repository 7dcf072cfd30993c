/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack: logging, panic recovery, timeouts, CORS, the login limiter
 * and bearer-token authentication for the banking routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/ledger-service/internal/app"
)

// RouterOptions configures the optional parts of the middleware stack.
type RouterOptions struct {
	// JWTSecret enables bearer-token validation on /banking when non-empty.
	JWTSecret      string
	AllowedOrigins []string
	RateLimiter    app.RateLimiter

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewRouter creates and returns a new router for the ledger service.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.With(LoginRateLimitMiddleware(opts.RateLimiter)).
		Post("/auth/login", h.LoginHandler)
	r.Post("/accounts", h.RegisterHandler)

	r.Route("/banking", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(JWTAuthMiddleware(opts.JWTSecret))
		}

		r.Get("/accounts/{accountNumber}/balance", h.GetBalanceHandler)
		r.Get("/accounts/{accountNumber}/mutations", h.GetMutationsHandler)
		r.Patch("/deposit", h.DepositHandler)
		r.Patch("/withdraw", h.WithdrawHandler)
		r.Patch("/transfer", h.TransferHandler)
		r.Patch("/pin", h.ChangePINHandler)
		r.Patch("/mutations/clear", h.ClearMutationsHandler)
		r.Delete("/accounts", h.DeleteAccountHandler)
	})

	return r
}
