// Package api exposes the quota engine over HTTP for the bot transport and
// admin tooling.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	quota "github.com/xraph/quota"
	"github.com/xraph/quota/assistant"
)

// Server serves the quota HTTP API.
type Server struct {
	engine    *quota.Engine
	assistant assistant.Client
	secret    []byte
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSecret sets the HS256 key used to verify bearer tokens. Without it
// every authenticated route answers 401.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithAssistant enables the ask route.
func WithAssistant(c assistant.Client) Option {
	return func(s *Server) { s.assistant = c }
}

// WithClock overrides the time source used for consumption.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server for engine.
func New(engine *quota.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", s.catalog)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requireService)
				r.Post("/accounts", s.ensureAccount)
				r.Route("/accounts/{id}", func(r chi.Router) {
					r.Get("/availability", s.availability)
					r.Post("/consume", s.consume)
					r.Put("/mode", s.setMode)
					r.Get("/referrals", s.referrals)
					r.Post("/ask", s.ask)
				})
				r.Post("/payments", s.settlePayment)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/accounts/{id}/credits", s.grantCredits)
				r.Post("/accounts/{id}/subscription", s.activateSubscription)
				r.Get("/stats", s.stats)
			})
		})
	})

	return r
}
