// Package middleware provides HTTP middleware for the balloon API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/balloonfs/balloon/pkg/identity"
)

// Context key type for storing the resolved user
type contextKey string

const userContextKey contextKey = "user"

// UserFromContext retrieves the authenticated user from the request context.
// Returns nil if no user is present.
//
// Only meaningful in handlers mounted behind the Identity middleware.
func UserFromContext(ctx context.Context) *identity.User {
	user, ok := ctx.Value(userContextKey).(*identity.User)
	if !ok {
		return nil
	}
	return user
}

// extractBearerToken extracts the token from a Bearer Authorization header.
// Returns the token string and true if successful.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	return parts[1], true
}

// Identity resolves the acting user from the Authorization header and stores
// it in the request context. The bearer token carries the user id; token
// verification itself is the deployment gateway's job, the server only checks
// the identity exists. Unknown or missing identities get 401.
func Identity(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := extractBearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			user, err := provider.GetUser(r.Context(), userID)
			if err != nil {
				http.Error(w, "Identity lookup failed", http.StatusInternalServerError)
				return
			}
			if user == nil {
				http.Error(w, "Unknown identity", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin blocks non-admin users. Must be used after Identity.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			if !user.Admin {
				http.Error(w, "Admin access required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
