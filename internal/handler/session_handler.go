package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-offline-sync/internal/dto"
	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
	"github.com/noah-isme/sma-offline-sync/pkg/response"
)

type sessionTokens interface {
	SetToken(token string) error
	Claims() (models.SessionClaims, bool)
}

// SessionHandler lets a signed-in client hand its access token to the agent.
type SessionHandler struct {
	tokens sessionTokens
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(tokens sessionTokens) *SessionHandler {
	return &SessionHandler{tokens: tokens}
}

// Get godoc
// @Summary Describe the agent's current session
// @Tags Session
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /session [get]
func (h *SessionHandler) Get(c *gin.Context) {
	claims, ok := h.tokens.Claims()
	resp := dto.SessionResponse{Authenticated: ok}
	if ok {
		resp.Claims = &claims
	}
	response.JSON(c, http.StatusOK, resp)
}

// SetToken godoc
// @Summary Replace the access token used for server calls
// @Tags Session
// @Accept json
// @Produce json
// @Param payload body dto.SessionTokenRequest true "Token"
// @Success 200 {object} response.Envelope
// @Router /session/token [post]
func (h *SessionHandler) SetToken(c *gin.Context) {
	var req dto.SessionTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	if err := h.tokens.SetToken(req.Token); err != nil {
		response.Error(c, appErrors.WrapAs(appErrors.ErrUnauthorized, err, "session token rejected"))
		return
	}
	h.Get(c)
}
