package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/raakeshmj/entitlements/internal/auth"
)

// AdminAuth requires an admin-scoped bearer token on routes whose policy
// is AdminOnly. Other routes pass through untouched.
func AdminAuth(jwtManager *auth.JWTManager) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !GetPolicy(r.Context()).Rules.AdminOnly {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
				return
			}

			claims, err := jwtManager.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			if !claims.HasScope(auth.ScopeAdmin) {
				WriteError(w, http.StatusForbidden, "forbidden", "admin scope required")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*auth.TokenClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.TokenClaims)
	return c, ok
}
