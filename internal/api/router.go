package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/api/middleware"
)

// RouterOptions carries everything the router mounts.
type RouterOptions struct {
	Handler *Handler
	Gateway http.Handler

	// RedisClient enables the IP rate limiter when non-nil.
	RedisClient *redis.Client

	// AdminToken guards /stats. Empty hides the endpoint.
	AdminToken string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	limiter := middleware.NewRateLimiter(opts.RedisClient, logger)
	r.Use(limiter.Middleware)

	// The chat widget connects from arbitrary customer sites.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := opts.Handler

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Handle("/ws", opts.Gateway)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(opts.AdminToken))
		r.Get("/stats", h.Stats)
	})

	return r
}
