package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
	"github.com/noah-isme/sma-offline-sync/pkg/response"
)

type recordService interface {
	List(ctx context.Context, entity string, includeDeleted bool) ([]models.Record, error)
	Get(ctx context.Context, entity, id string) (*models.Record, error)
	Create(ctx context.Context, entity string, payload json.RawMessage) (*models.Record, error)
	Update(ctx context.Context, entity, id string, payload json.RawMessage) (*models.Record, error)
	Delete(ctx context.Context, entity, id string) error
}

// RecordHandler exposes the local record store. Every write succeeds
// offline and is queued for the server.
type RecordHandler struct {
	service recordService
}

// NewRecordHandler constructs the handler.
func NewRecordHandler(service recordService) *RecordHandler {
	return &RecordHandler{service: service}
}

// List godoc
// @Summary List local records of an entity type
// @Tags Records
// @Produce json
// @Param entity path string true "Entity type"
// @Param includeDeleted query bool false "Include records pending deletion"
// @Success 200 {object} response.Envelope
// @Router /records/{entity} [get]
func (h *RecordHandler) List(c *gin.Context) {
	includeDeleted := false
	if raw := c.Query("includeDeleted"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "includeDeleted must be a boolean"))
			return
		}
		includeDeleted = parsed
	}
	records, err := h.service.List(c.Request.Context(), c.Param("entity"), includeDeleted)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, map[string]interface{}{"count": len(records)})
}

// Get godoc
// @Summary Get one local record
// @Tags Records
// @Produce json
// @Param entity path string true "Entity type"
// @Param id path string true "Record ID"
// @Success 200 {object} response.Envelope
// @Router /records/{entity}/{id} [get]
func (h *RecordHandler) Get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("entity"), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}

// Create godoc
// @Summary Create a record locally and queue it
// @Tags Records
// @Accept json
// @Produce json
// @Param entity path string true "Entity type"
// @Success 201 {object} response.Envelope
// @Router /records/{entity} [post]
func (h *RecordHandler) Create(c *gin.Context) {
	payload, ok := bindDocument(c)
	if !ok {
		return
	}
	record, err := h.service.Create(c.Request.Context(), c.Param("entity"), payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, record)
}

// Update godoc
// @Summary Replace a record locally and queue the change
// @Tags Records
// @Accept json
// @Produce json
// @Param entity path string true "Entity type"
// @Param id path string true "Record ID"
// @Success 200 {object} response.Envelope
// @Router /records/{entity}/{id} [put]
func (h *RecordHandler) Update(c *gin.Context) {
	payload, ok := bindDocument(c)
	if !ok {
		return
	}
	record, err := h.service.Update(c.Request.Context(), c.Param("entity"), c.Param("id"), payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}

// Delete godoc
// @Summary Delete a record locally and queue the deletion
// @Tags Records
// @Param entity path string true "Entity type"
// @Param id path string true "Record ID"
// @Success 204
// @Router /records/{entity}/{id} [delete]
func (h *RecordHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("entity"), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func bindDocument(c *gin.Context) (json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 || !json.Valid(body) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "request body must be a JSON document"))
		return nil, false
	}
	return json.RawMessage(body), true
}
