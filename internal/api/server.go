package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/foundry/internal/admission"
	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/maintenance"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/onboard"
	"github.com/seantiz/foundry/internal/router"
	"github.com/seantiz/foundry/internal/secrets"
	"github.com/seantiz/foundry/internal/session"
	"github.com/seantiz/foundry/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Store       store.Store
	Vault       *secrets.Vault
	Onboard     *onboard.Orchestrator
	Router      *router.Router
	Queue       *admission.Queue
	Sessions    *session.Manager
	Maintenance *maintenance.Scheduler
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	cfg    config.Config
	logger *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession(model.SessionAdmin, model.SessionGeneration))
			r.Get("/sessions/current", s.handleGetSession)
			r.Delete("/sessions/current", s.handleRevokeSession)

			r.Post("/dispatch/pick", s.handlePick)
			r.Post("/dispatch/{id}/success", s.handleDispatchSuccess)
			r.Post("/dispatch/{id}/failure", s.handleDispatchFailure)
			r.Post("/queue/admit", s.handleAdmit)
			r.Post("/queue/release", s.handleRelease)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession(model.SessionAdmin))
			r.Get("/stats", s.handleGetStats)

			r.Route("/accounts", func(r chi.Router) {
				r.Post("/", s.handleCreateAccount)
				r.Get("/", s.handleListAccounts)
				r.Post("/deploy-all", s.handleDeployAll)
				r.Get("/{id}", s.handleGetAccount)
				r.Delete("/{id}", s.handleDeleteAccount)
				r.Post("/{id}/deploy", s.handleDeployAccount)
				r.Post("/{id}/enable", s.handleEnableAccount)
				r.Post("/{id}/disable", s.handleDisableAccount)
				r.Get("/{id}/events", s.handleStreamEvents)
				r.Get("/{id}/events/history", s.handleGetEventHistory)
				r.Get("/{id}/warmup", s.handleGetWarmupState)
			})

			r.Put("/secrets/{name}", s.handlePutSecret)
			r.Delete("/secrets/{name}", s.handleDeleteSecret)

			r.Post("/warmup", s.handleStartWarmup)
			r.Get("/warmup/{run_id}", s.handleGetWarmupRun)
			r.Post("/maintenance/recover", s.handleRecover)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
