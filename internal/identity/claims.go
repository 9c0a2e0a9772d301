package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are the access-token claims the client reads. Signatures are
// verified by the provider, never here.
type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func parseAccessClaims(token string) (*accessClaims, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("parse access token: missing exp claim")
	}
	return &claims, nil
}

func (c *accessClaims) expiresAt() time.Time {
	return c.ExpiresAt.Time
}
