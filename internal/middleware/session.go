package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-offline-sync/internal/models"
)

// ContextUserKey is the gin context key storing session claims.
const ContextUserKey = "currentUser"

type sessionTokens interface {
	SetToken(token string) error
	Claims() (models.SessionClaims, bool)
}

// SessionToken adopts the server-issued bearer token a local client sends,
// so later remote calls carry the signed-in user's session. Requests
// without a usable token are not blocked; the agent keeps its current one.
func SessionToken(tokens sessionTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			if err := tokens.SetToken(parts[1]); err != nil {
				_ = c.Error(err)
			}
		}
		if claims, ok := tokens.Claims(); ok {
			c.Set(ContextUserKey, &claims)
		}
		c.Next()
	}
}
