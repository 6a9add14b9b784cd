package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/openmonetize/openmonetize-sub001/internal/auth"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// Context keys for storing authentication data
const (
	OperatorClaimsKey ContextKey = "operatorClaims"
	OperatorIDKey     ContextKey = "operatorID"
)

// OperatorJWT validates bearer tokens signed with secret. When required
// roles are given the token must hold at least one of them (admin holds all).
func OperatorJWT(secret []byte, requiredRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

			claims, err := auth.ValidateToken(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if len(requiredRoles) > 0 {
				allowed := false
				for _, role := range requiredRoles {
					if claims.HasRole(role) {
						allowed = true
						break
					}
				}
				if !allowed {
					utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
					return
				}
			}

			ctx := context.WithValue(r.Context(), OperatorClaimsKey, claims)
			ctx = context.WithValue(ctx, OperatorIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorClaims retrieves the token claims from the request context
func GetOperatorClaims(ctx context.Context) (*auth.OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorClaimsKey).(*auth.OperatorClaims)
	return claims, ok
}

// GetOperatorID retrieves the token subject from the request context
func GetOperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OperatorIDKey).(string)
	return id, ok
}
