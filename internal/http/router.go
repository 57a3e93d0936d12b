package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/ticket-resale-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/rateLimit"
)

type RouterConfig struct {
	JWTSecret        []byte
	RateLimitPerUser int
	RateLimitPerIP   int
}

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/webhooks/stripe", h.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl, cfg.RateLimitPerUser, cfg.RateLimitPerIP))
		r.Get("/v1/tickets", h.ListTickets)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.JWTSecret, logger))
		r.Use(RateLimitMiddleware(rl, cfg.RateLimitPerUser, cfg.RateLimitPerIP))
		r.Use(IdempotencyMiddleware(idemp, logger))

		r.Post("/v1/tickets", h.CreateTicket)
		r.Patch("/v1/tickets/{id}", h.EditTicket)
		r.Delete("/v1/tickets/{id}", h.DeleteTicket)
		r.Post("/v1/tickets/{id}/reserve", h.ReserveTicket)

		r.Get("/v1/transactions", h.ListTransactions)
		r.Get("/v1/transactions/{id}", h.GetTransaction)
		r.Post("/v1/transactions/{id}/checkout", h.StartCheckout)

		r.Post("/v1/disputes", h.OpenDispute)
		r.Get("/v1/disputes/{id}", h.GetDispute)

		r.Get("/v1/sales/balance", h.GetBalance)
		r.Get("/v1/payouts", h.ListPayouts)
		r.Post("/v1/payouts", h.RequestPayout)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(RequireAdmin(logger))
			r.Get("/disputes", h.ListOpenDisputes)
			r.Post("/disputes/{id}/resolve", h.ResolveDispute)
			r.Patch("/payouts/{id}", h.UpdatePayoutStatus)
		})
	})

	return r
}
