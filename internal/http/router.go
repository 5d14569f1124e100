package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/espazza-checkout/internal/auth"
	"github.com/robertarktes/espazza-checkout/internal/idempotency"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/rateLimit"
)

type RouterConfig struct {
	Verifier    *auth.Verifier
	RateLimiter *rateLimit.RateLimiter
	Limits      RateLimits
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Provider traffic authenticates by signature, not by bearer token.
	r.Post("/v1/payments/{provider}/callback", h.PaymentCallback)
	r.Get("/v1/payments/{provider}/return", h.PaymentReturn)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.Verifier))
		if cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Limits, logger))
		}
		if cfg.Idempotency != nil {
			r.Use(IdempotencyMiddleware(cfg.Idempotency, logger))
		}

		r.Post("/v1/coupons/validate", h.ValidateCoupon)
		r.Post("/v1/coupons/redeem", h.RedeemCoupon)
		r.Post("/v1/checkout", h.Checkout)
		r.Get("/v1/purchases/{id}", h.GetPurchase)
		r.Post("/v1/purchases/{id}/cancel", h.CancelPurchase)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(RequireServiceRole)
			r.Post("/coupons", h.CreateCoupon)
			r.Delete("/coupons/{id}", h.RetireCoupon)
			r.Post("/capacity", h.CreateCapacity)
			r.Post("/capacity/{id}/restock", h.RestockCapacity)
		})
	})

	return r
}
