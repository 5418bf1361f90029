// Package api is the thin HTTP surface over the messaging and notification
// engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// AuthMiddleware validates the bearer token on every request and stashes
// the caller's identity in the request context.
func AuthMiddleware(authn *auth.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

			identity, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrSessionRevoked) {
					status = http.StatusForbidden
				}

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   err.Error(),
					Title:  "Unauthorized",
					Status: status,
				})
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// identityFrom returns the authenticated identity set by AuthMiddleware.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}
