package models

import "github.com/golang-jwt/jwt/v5"

// SessionClaims is the subset of the server-issued access token the agent
// reads: who is signed in and when the token expires.
type SessionClaims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	jwt.RegisteredClaims
}
