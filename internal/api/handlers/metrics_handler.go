package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"example.com/backstage/services/donations/internal/metrics"
	"example.com/backstage/services/donations/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck checks one dependency
type HealthCheck func(ctx context.Context) error

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	checks  map[string]HealthCheck
}

// NewMetricsHandler creates a new metrics handler. checks are run on every
// health request, keyed by component name.
func NewMetricsHandler(m *metrics.Metrics, tracer tracing.Tracer, checks map[string]HealthCheck) *MetricsHandler {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &MetricsHandler{
		metrics: m,
		tracer:  tracer,
		checks:  checks,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck checks the dependencies and returns a simplified
// health status
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	for component, check := range h.checks {
		err := check(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", component).Msg("Health check failed")
		}
		h.metrics.SetHealth(component, err == nil)
	}

	healthChecks := h.metrics.GetHealthChecks()

	healthy := true
	for _, status := range healthChecks {
		if !status {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  healthy,
		"details": healthChecks,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
