package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"jaspire/internal/shared/auth"
)

type ContextKey string

// UserIDKey holds the authenticated user id (a string).
const UserIDKey ContextKey = "user_id"

// AccessTokenCookie is the browser session cookie carrying the client token.
const AccessTokenCookie = "access_token"

// Auth rejects requests without a valid client token and stores the caller's
// user id in the request context.
func Auth(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractToken(r)
			if !ok {
				unauthorized(w, "authentication required")
				return
			}

			userID, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				log.Printf("Auth: rejected token for %s %s: %v", r.Method, r.URL.Path, err)
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user id stored by Auth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

// extractToken prefers the HttpOnly cookie (browser) over the Authorization
// header (API clients).
func extractToken(r *http.Request) (string, bool) {
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized", "message": msg})
}
