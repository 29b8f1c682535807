package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/api/handlers"
	"example.com/backstage/services/donations/internal/api/middleware"
	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config          config.Config
	router          *gin.Engine
	httpServer      *http.Server
	donationService handlers.DonationService
	metrics         *metrics.Metrics
	tracer          tracing.Tracer
	checks          map[string]handlers.HealthCheck
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	donationService handlers.DonationService,
	m *metrics.Metrics,
	tracer tracing.Tracer,
	checks map[string]handlers.HealthCheck,
) *Server {
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	server := &Server{
		config:          cfg,
		donationService: donationService,
		metrics:         m,
		tracer:          tracer,
		checks:          checks,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout + 5*time.Second,
	}

	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.NewRelicMiddleware(s.tracer.Application()))
	if s.config.Server.CorsEnabled {
		router.Use(middleware.CORS(s.config.Server.CorsOrigins))
	}

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer, s.checks)
	metricsHandler.RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Identity())
	donationHandler := handlers.NewDonationHandler(s.donationService, s.tracer)
	donationHandler.RegisterRoutes(v1)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
