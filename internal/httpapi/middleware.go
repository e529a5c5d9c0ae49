package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/domain"
)

type authContextKey struct{}

// AuthFromContext retrieves the AuthContext a prior withAuth call stored.
// Handlers mounted behind withAuth may assume it is always present.
func AuthFromContext(ctx context.Context) (authn.AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(authn.AuthContext)
	return ac, ok
}

// withAuth authenticates the request via X-API-Key or a Bearer token
// (spec.md §6 "Auth headers") and stores the resolved AuthContext before
// delegating to next. Requests with neither credential, or a credential
// that fails authentication, are rejected before next ever runs.
func withAuth(deps Deps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := authenticate(r, deps.Auth)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticate(r *http.Request, auth *authn.Authenticator) (authn.AuthContext, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return auth.AuthenticateApiKey(r.Context(), domain.SecretString(apiKey))
	}

	if bearer := r.Header.Get("Authorization"); bearer != "" {
		token, ok := strings.CutPrefix(bearer, "Bearer ")
		if !ok {
			return authn.AuthContext{}, fmt.Errorf("authenticate: malformed authorization header: %w", domain.ErrUnauthorized)
		}
		return auth.AuthenticateBearer(r.Context(), token)
	}

	return authn.AuthContext{}, fmt.Errorf("authenticate: no credential presented: %w", domain.ErrUnauthorized)
}
