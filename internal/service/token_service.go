package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
)

// TokenService holds the server-issued access token used for remote calls.
// Tokens are issued elsewhere; this only reads them. With a shared secret
// the signature is verified, otherwise claims are read as-is.
type TokenService struct {
	secret []byte
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	token  string
	claims *models.SessionClaims
}

// NewTokenService constructs the service with an initial token, which may be empty.
func NewTokenService(token, secret string, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &TokenService{secret: []byte(secret), logger: logger, now: time.Now}
	if token != "" {
		if err := svc.SetToken(token); err != nil {
			logger.Warn("initial session token rejected", zap.Error(err))
		}
	}
	return svc
}

// SetToken replaces the current token. JWTs are parsed for their claims;
// opaque tokens are accepted when no secret is configured.
func (s *TokenService) SetToken(token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.claims = claims
	s.mu.Unlock()
	return nil
}

func (s *TokenService) parse(token string) (*models.SessionClaims, error) {
	if token == "" {
		return nil, nil
	}
	claims := &models.SessionClaims{}
	if len(s.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
		if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("verify session token: %w", err)
		}
		return claims, nil
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, nil
	}
	return claims, nil
}

// Token implements remote.TokenSource. An expired token fails with a 401
// so the call is treated as terminal and never sent.
func (s *TokenService) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims != nil && s.claims.ExpiresAt != nil && !s.now().Before(s.claims.ExpiresAt.Time) {
		return "", &remote.StatusError{
			Method:     "AUTH",
			StatusCode: http.StatusUnauthorized,
			Message:    "session token expired",
		}
	}
	return s.token, nil
}

// Claims returns the parsed claims of the current token, if any.
func (s *TokenService) Claims() (models.SessionClaims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return models.SessionClaims{}, false
	}
	return *s.claims, true
}

// UserID returns the signed-in user, or "" for opaque or missing tokens.
func (s *TokenService) UserID() string {
	claims, ok := s.Claims()
	if !ok {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}
