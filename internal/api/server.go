// Package api serves the operator control surface: job start/pause/stop and
// status, the dead letter queue, the quarantine, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/quota"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/scheduler"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Deps are the services the handlers call into.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Store     store.Store
	Quota     *quota.Tracker
	Breakers  *resilience.Breakers
	Sources   *source.Registry
	Cleaner   *enrich.Cleaner
}

// Server holds the router and its dependencies.
type Server struct {
	deps Deps
	cfg  config.ServerConfig
	log  *zap.Logger

	// healthTimeout bounds adapter health checks in the status endpoint.
	healthTimeout time.Duration
	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewServer creates a Server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		deps:          deps,
		cfg:           cfg,
		log:           zap.L().With(zap.String("component", "api")),
		healthTimeout: 5 * time.Second,
		nowFunc:       time.Now,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
		}

		r.Get("/enrichment", s.handleListJobs)
		r.Route("/enrichment/{job}", func(r chi.Router) {
			r.Get("/status", s.handleJobStatus)
			r.Post("/start", s.handleStart)
			r.Post("/pause", s.handlePause)
			r.Post("/stop", s.handleStop)
		})

		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/{id}/retry", s.handleRetryDLQ)

		r.Get("/quarantine", s.handleListQuarantine)
		r.Post("/quarantine/{id}/resolve", s.handleResolveQuarantine)
	})

	return r
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrResourceBusy),
		errors.Is(err, store.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotControllable), errors.Is(err, enrich.ErrNoSuchCandidate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Service runs an http.Server under suture.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
	log             *zap.Logger
}

// NewService wraps handler in an http.Server listening on port.
func NewService(port int, handler http.Handler) *Service {
	return &Service{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: 10 * time.Second,
		log:             zap.L().With(zap.String("component", "api")),
	}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "api: listen")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down server")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "api: shutdown")
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's logs.
func (s *Service) String() string { return "http-server" }
