package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/http/respond"
)

type adminClaimsKey struct{}

// RequireAdmin rejects requests without a valid admin bearer token and puts
// the token's claims on the request context.
func RequireAdmin(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				respond.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminFromContext returns the claims stored by RequireAdmin.
func AdminFromContext(ctx context.Context) (*auth.AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey{}).(*auth.AdminClaims)
	return claims, ok && claims != nil
}
