package authn

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT claims carried on an access token presented
// to the gateway.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Scope     string `json:"scope"`
}
