package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/neuralrank/internal/auth"
)

// claimsKey is the context key for validated token claims.
type claimsKey struct{}

// GetClaims returns the claims RequireAuth validated, or nil.
func GetClaims(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	return c
}

func contextWithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// RankerFunc extracts the ranker a request targets. It may return "" for
// requests that are not bound to a single ranker.
type RankerFunc func(r *http.Request) string

// PathRanker reads the ranker name from the {name} path wildcard.
func PathRanker(r *http.Request) string {
	return r.PathValue("name")
}

// RequireAuth rejects requests without a bearer token granting scope on the
// target ranker. Missing, malformed or expired tokens get 401; valid tokens
// without the grant get 403. On success the token subject is stored with
// SetSubject. metrics may be nil.
func RequireAuth(svc *auth.JWTService, scope string, ranker RankerFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				metrics.IncAuthFailures("missing")
				w.Header().Set("WWW-Authenticate", `Bearer realm="rankd"`)
				writeError(w, r, http.StatusUnauthorized, "auth_failed", "missing bearer token")
				return
			}

			claims, err := svc.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				reason, msg := "invalid", "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason, msg = "expired", "token has expired"
				}
				metrics.IncAuthFailures(reason)
				w.Header().Set("WWW-Authenticate", `Bearer realm="rankd", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "auth_failed", msg)
				return
			}

			name := ""
			if ranker != nil {
				name = ranker(r)
			}
			if !claims.Allows(scope, name) {
				metrics.IncAuthFailures("forbidden")
				ctx := SetSubject(r.Context(), claims.Subject)
				writeError(w, r.WithContext(ctx), http.StatusForbidden, "forbidden", "token does not grant "+scope+" on this ranker")
				return
			}

			ctx := SetSubject(r.Context(), claims.Subject)
			ctx = contextWithClaims(ctx, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeError writes the {"error":{"code":...,"message":...}} envelope used by
// the api package and records code for the logging middleware.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
