package middleware

import (
	"context"
	"net/http"
	"strings"
)

const (
	userIDKey contextKey = "user_id"
)

// Identity resolves the caller from the X-User-ID header. An absent header
// leaves the request anonymous; anonymous requests are accepted but never
// billed.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if uid == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
