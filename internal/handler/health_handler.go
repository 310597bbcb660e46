package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/internal/service"
)

type storePinger interface {
	PingContext(ctx context.Context) error
}

type statusSource interface {
	Status() models.SyncStatus
}

// HealthHandler exposes liveness, readiness and Prometheus endpoints.
type HealthHandler struct {
	metrics *service.MetricsService
	store   storePinger
	status  statusSource
}

// NewHealthHandler constructs the handler.
func NewHealthHandler(metrics *service.MetricsService, store storePinger, status statusSource) *HealthHandler {
	return &HealthHandler{metrics: metrics, store: store, status: status}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *HealthHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness checks.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the local store answers. Being offline does not
// make the agent unready; writes are still accepted.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	body := gin.H{"status": "ready"}
	if h.status != nil {
		st := h.status.Status()
		body["online"] = st.IsOnline
		body["pendingCount"] = st.PendingCount
	}
	c.JSON(http.StatusOK, body)
}
