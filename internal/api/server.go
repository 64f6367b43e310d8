// Package api provides the operator HTTP surface: health, status,
// threat posture, history, and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/api/handlers"
	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/pkg/dsl"
)

// Server is the operator HTTP server.
type Server struct {
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

// Config holds server configuration.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" validate:"min=0,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Dependencies holds what the handlers need.
type Dependencies struct {
	Store     *content.Store
	Detector  *threat.Detector
	Personas  []*dsl.Persona
	Metrics   *metrics.Metrics
	Version   string
	StartTime time.Time
}

// New creates the operator server.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()

	h := handlers.New(deps.Store, deps.Detector, deps.Personas, deps.Version, deps.StartTime, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.ReadTimeout))

	router.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/personas", h.ListPersonas)
		r.Get("/history", h.GetHistory)
		r.Route("/threat", func(r chi.Router) {
			r.Get("/", h.GetThreat)
			r.Post("/reset", h.ResetThreat)
		})
	})

	router.Get("/healthz", h.HealthCheck)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		router: router,
		server: server,
		logger: logger,
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting operator API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down operator API")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// requestLogger logs each request at a level matching its status.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				event := logger.Info()
				if status >= 500 {
					event = logger.Error()
				} else if status >= 400 {
					event = logger.Warn()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
