package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/termhive/termhive/internal/auth"
	"github.com/termhive/termhive/internal/database"
)

type contextKey string

const userContextKey contextKey = "user"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth verifies the Authorization bearer token and loads the user
// into the request context. Requests without a valid token never reach the
// orchestrator.
func RequireAuth(gateway *auth.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			claims, err := gateway.VerifyToken(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
				return
			}

			user, err := database.GetUserByID(claims.UserID)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}

// SetUser returns a request with the user injected, for handler tests.
func SetUser(r *http.Request, user *database.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}
