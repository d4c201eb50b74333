package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/pesabridge/escrow-backend/internal/auth"
	"github.com/pesabridge/escrow-backend/internal/config"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/metrics"
	"github.com/pesabridge/escrow-backend/internal/middleware"
	"github.com/pesabridge/escrow-backend/internal/rails"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
	"github.com/pesabridge/escrow-backend/internal/services"
	"github.com/pesabridge/escrow-backend/internal/webhook"
)

type RouterDeps struct {
	Cfg      config.Config
	Users    *services.UserService
	Escrows  *services.EscrowService
	Funding  *services.FundingService
	Payments *services.PaymentService
	Engine   *ledger.Engine
	Store    repo.Store
	Momo     rails.MobileMoney
	Webhooks *webhook.Processor
	Tokens   *auth.TokenManager
	Log      *slog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	h := &handlers{d: d}
	am := middleware.NewAuthMiddleware(d.Tokens, d.Cfg.Env)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover, middleware.HTTPMetrics, middleware.RateLimit(d.Cfg.RateRPS))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.register)
		r.Post("/auth/login", h.login)
		r.Post("/auth/refresh", h.refresh)
		r.Get("/quote", h.quote)

		// Provider callbacks are verified at the gateway; here they only
		// pass through dedup.
		r.Post("/webhooks/onramp", h.onrampWebhook)
		r.Post("/webhooks/offramp", h.offrampWebhook)

		r.Group(func(r chi.Router) {
			r.Use(am.Auth)

			r.Post("/funding/intents", h.declareIntent)
			r.Get("/funding/intents/{id}", h.pollIntent)

			r.Post("/escrows", h.createEscrow)
			r.Get("/escrows/{id}", h.getEscrow)
			r.Post("/escrows/{id}/deposits", h.attachOnramp)
			r.Post("/escrows/{id}/cancel", h.cancelEscrow)
			r.Get("/escrows/{id}/payment-requests", h.listPaymentRequests)

			r.Post("/payment-requests", h.requestPayment)
			r.Get("/payment-requests/{id}", h.getPaymentRequest)
			r.Post("/payment-requests/{id}/approve", h.approvePayment)
			r.Post("/payment-requests/{id}/reject", h.rejectPayment)

			r.Group(func(r chi.Router) {
				r.Use(am.RequireAdmin)
				r.Get("/admin/reconciliation", h.reconciliation)
				r.Get("/admin/integrity", h.integrity)
			})
		})
	})

	return r
}
