package httpserver

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"chatcore/internal/ws"
)

type contextKey string

const userContextKey contextKey = "currentUser"

// WithUser returns a new context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// CurrentUser extracts the authenticated user id from context, if any.
func CurrentUser(r *http.Request) string {
	if v, ok := r.Context().Value(userContextKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware validates the Bearer token and attaches the user id to the context.
func AuthMiddleware(verifier ws.Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			userID, err := verifier.Verify(r.Context(), tokenStr)
			if err != nil {
				log.Debug("api token rejected", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
