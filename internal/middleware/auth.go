package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const ctxAccountKey contextKey = "account_id"

// TokenValidator resolves a bearer token to an account id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// BearerAuth authenticates requests with a JWT bearer token and stores the
// account id in the request context.
func BearerAuth(tokens TokenValidator, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or malformed Authorization header"})
				return
			}
			accountID, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				log.Debug("bearer token rejected", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

// AccountIDFromCtx returns the authenticated account id or "".
func AccountIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxAccountKey).(string)
	return id
}

// WithAccountID returns a context carrying the given account id.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxAccountKey, accountID)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
