package handler

import "github.com/gin-gonic/gin"

// Handlers groups the HTTP handlers mounted by RegisterRoutes.
type Handlers struct {
	Health  *HealthHandler
	Records *RecordHandler
	Sync    *SyncHandler
	Session *SessionHandler
}

// RegisterRoutes mounts the agent's routes. Middleware is applied by the caller.
func RegisterRoutes(r *gin.Engine, prefix string, h Handlers) {
	if h.Health != nil {
		r.GET("/health", h.Health.Health)
		r.GET("/ready", h.Health.Ready)
		r.GET("/metrics", h.Health.Prometheus)
	}

	api := r.Group(prefix)
	if h.Records != nil {
		records := api.Group("/records/:entity")
		records.GET("", h.Records.List)
		records.POST("", h.Records.Create)
		records.GET("/:id", h.Records.Get)
		records.PUT("/:id", h.Records.Update)
		records.DELETE("/:id", h.Records.Delete)
	}
	if h.Sync != nil {
		sync := api.Group("/sync")
		sync.GET("/status", h.Sync.Status)
		sync.POST("/now", h.Sync.SyncNow)
		sync.POST("/import", h.Sync.Import)
		sync.GET("/operations", h.Sync.Operations)
		sync.POST("/operations/retry", h.Sync.RetryOperations)
	}
	if h.Session != nil {
		api.GET("/session", h.Session.Get)
		api.POST("/session/token", h.Session.SetToken)
	}
}
