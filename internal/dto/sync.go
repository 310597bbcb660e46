package dto

import "github.com/noah-isme/sma-offline-sync/internal/models"

// OperationQuery mirrors supported operation log listing filters.
type OperationQuery struct {
	Entity   string   `form:"entity"`
	Statuses []string `form:"status"`
	Limit    int      `form:"limit"`
}

// RetryOperationsRequest selects which failed entries to requeue.
type RetryOperationsRequest struct {
	Entity string `json:"entity"`
}

// RetryOperationsResponse reports how many entries were requeued.
type RetryOperationsResponse struct {
	Requeued int `json:"requeued"`
}

// SyncNowResponse wraps a completed cycle.
type SyncNowResponse struct {
	Result  models.CycleResult `json:"result"`
	Partial bool               `json:"partial"`
}

// SessionTokenRequest hands the agent a server-issued access token.
type SessionTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// SessionResponse describes the token the agent currently uses.
type SessionResponse struct {
	Authenticated bool                  `json:"authenticated"`
	Claims        *models.SessionClaims `json:"claims,omitempty"`
}
