package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// Optional: nil disables rate limiting (dev without redis).
	Limiter         RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	// Unauthenticated operational surface
	r.Get("/healthz", d.Handler.Healthz)
	r.Get("/readyz", d.Handler.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Post("/journeys", d.Handler.RegisterJourney)
		r.Get("/journeys/{journeyID}", d.Handler.GetJourney)
		r.Delete("/journeys/{journeyID}", d.Handler.CancelJourney)

		r.Get("/me/journeys", d.Handler.MeJourneys)
	})

	return r
}
