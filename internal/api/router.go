package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicore/scheduling/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Availability
	r.Get("/providers/{id}/availability", getAvailabilityHandler(cfg.Service))

	// Booking lifecycle
	r.Post("/bookings", createBookingHandler(cfg.Service))
	r.Get("/bookings", listBookingsHandler(cfg.Service))
	r.Get("/bookings/{id}", getBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/confirm", confirmBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/cancel", cancelBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/reschedule", rescheduleBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/complete", completeBookingHandler(cfg.Service))

	return r
}
