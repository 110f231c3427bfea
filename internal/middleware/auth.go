// Package middleware provides HTTP middleware for agentry.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/agentry-io/agentry/internal/service"
)

type identityCtxKey struct{}

// publicPaths are exempt from authentication. The /ws endpoint runs its
// own in-protocol handshake.
var publicPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// Identity describes the authenticated caller.
type Identity struct {
	Subject string
	Email   string
	Role    string
	APIKey  bool // authenticated via X-API-Key rather than a token
}

// Auth returns middleware that validates Bearer-JWT or API key
// credentials. With auth disabled a local admin identity is injected.
func Auth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authSvc.Enabled() {
				id := &Identity{Subject: "local", Role: "admin"}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				if err := authSvc.ValidateAPIKey(apiKey); err != nil {
					http.Error(w, `{"code":"unauthorized","error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				id := &Identity{Subject: "api-key", Role: "service", APIKey: true}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"code":"unauthorized","error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, `{"code":"unauthorized","error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := authSvc.ValidateAccessToken(token)
			if err != nil {
				http.Error(w, `{"code":"unauthorized","error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			id := &Identity{Subject: claims.Subject, Email: claims.Email, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}
