package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerClaims are the registered claims found in a JWT bearer
type BearerClaims struct {
	Subject   string
	ExpiresAt *time.Time
}

// InspectBearer reads the claims of a JWT bearer without verifying it.
// The local cache never expires a bearer on these claims; shared stores
// use exp to bound the lifetime of their entries.
func InspectBearer(token string) (*BearerClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("bearer is not a JWT: %w", err)
	}

	out := &BearerClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		out.ExpiresAt = &exp
	}
	return out, nil
}
