package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/prudhvinik1/fieldsync/internal/services"
)

type contextKey string

const identityKey contextKey = "identity"

// RequireAuth resolves the bearer token into the session identity and
// stashes it on the request context. Requests without a valid token never
// reach the handler.
func RequireAuth(auth *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := auth.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

func identityFrom(r *http.Request) (*services.TokenClaims, bool) {
	claims, ok := r.Context().Value(identityKey).(*services.TokenClaims)
	return claims, ok
}
