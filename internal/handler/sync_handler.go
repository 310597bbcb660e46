package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-offline-sync/internal/dto"
	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
	"github.com/noah-isme/sma-offline-sync/pkg/response"
)

type syncScheduler interface {
	Status() models.SyncStatus
	SyncNow(ctx context.Context) (models.CycleResult, error)
	TriggerSync(ctx context.Context) error
	Import(ctx context.Context) (models.CycleResult, error)
}

type operationLog interface {
	Operations(ctx context.Context, filter models.OperationFilter) ([]models.Operation, error)
	RetryFailed(ctx context.Context, entity models.EntityType) (int, error)
}

type pendingRefresher interface {
	RefreshPending(ctx context.Context) error
}

type metricsSnapshotter interface {
	Snapshot() models.SyncMetrics
}

// SyncHandler exposes sync status and manual controls.
type SyncHandler struct {
	scheduler syncScheduler
	log       operationLog
	session   pendingRefresher
	metrics   metricsSnapshotter
}

// NewSyncHandler constructs the handler. session and metrics may be nil.
func NewSyncHandler(scheduler syncScheduler, log operationLog, session pendingRefresher, metrics metricsSnapshotter) *SyncHandler {
	return &SyncHandler{scheduler: scheduler, log: log, session: session, metrics: metrics}
}

// Status godoc
// @Summary Current sync session state
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	var meta map[string]interface{}
	if h.metrics != nil {
		meta = map[string]interface{}{"metrics": h.metrics.Snapshot()}
	}
	response.JSON(c, http.StatusOK, h.scheduler.Status(), meta)
}

// SyncNow godoc
// @Summary Run a sync cycle now
// @Tags Sync
// @Produce json
// @Param async query bool false "Return immediately and run in the background"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /sync/now [post]
func (h *SyncHandler) SyncNow(c *gin.Context) {
	if c.Query("async") == "true" {
		if err := h.scheduler.TriggerSync(c.Request.Context()); err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusAccepted, gin.H{"triggered": true})
		return
	}
	result, err := h.scheduler.SyncNow(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.SyncNowResponse{Result: result, Partial: result.Partial()})
}

// Import godoc
// @Summary Pull every entity's full server collection
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/import [post]
func (h *SyncHandler) Import(c *gin.Context) {
	result, err := h.scheduler.Import(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.SyncNowResponse{Result: result, Partial: result.Partial()})
}

// Operations godoc
// @Summary List operation log entries
// @Tags Sync
// @Produce json
// @Param entity query string false "Entity type"
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /sync/operations [get]
func (h *SyncHandler) Operations(c *gin.Context) {
	var query dto.OperationQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid operation query"))
		return
	}
	filter, err := operationFilter(query)
	if err != nil {
		response.Error(c, err)
		return
	}
	ops, err := h.log.Operations(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ops, map[string]interface{}{"count": len(ops)})
}

func operationFilter(query dto.OperationQuery) (models.OperationFilter, error) {
	filter := models.OperationFilter{Limit: query.Limit}
	if query.Limit < 0 {
		return filter, appErrors.Clone(appErrors.ErrValidation, "limit must not be negative")
	}
	if raw := strings.TrimSpace(query.Entity); raw != "" {
		entity, err := models.ParseEntityType(raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrUnsupportedEntity, err.Error())
		}
		filter.Entity = entity
	}
	for _, value := range query.Statuses {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, err := models.ParseOperationStatus(part)
			if err != nil {
				return filter, appErrors.Clone(appErrors.ErrValidation, err.Error())
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	return filter, nil
}

// RetryOperations godoc
// @Summary Requeue failed operation log entries
// @Tags Sync
// @Accept json
// @Produce json
// @Param payload body dto.RetryOperationsRequest false "Optional entity filter"
// @Success 200 {object} response.Envelope
// @Router /sync/operations/retry [post]
func (h *SyncHandler) RetryOperations(c *gin.Context) {
	var req dto.RetryOperationsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid retry payload"))
		return
	}
	var entity models.EntityType
	if req.Entity != "" {
		parsed, err := models.ParseEntityType(req.Entity)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrUnsupportedEntity, err.Error()))
			return
		}
		entity = parsed
	}
	n, err := h.log.RetryFailed(c.Request.Context(), entity)
	if err != nil {
		response.Error(c, appErrors.WrapAs(appErrors.ErrStorage, err, "failed to requeue operations"))
		return
	}
	if h.session != nil {
		_ = h.session.RefreshPending(c.Request.Context())
	}
	response.JSON(c, http.StatusOK, dto.RetryOperationsResponse{Requeued: n})
}
