package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const RecipientKey contextKey = "recipient"

// public paths never require a key
var publicPaths = []string{"/health", "/healthz/", "/metrics"}

func isPublic(path string) bool {
	for _, p := range publicPaths {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// APIKeyAuth validates the API key and stores the recipient it maps to.
// keys maps API key -> recipient. An empty map disables auth.
//
// Browsers cannot set headers on EventSource or WebSocket requests, so the
// key is also accepted as the api_key query parameter.
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 || isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// constant-time, and every key is compared
			var recipient string
			valid := false
			for key, rcpt := range keys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					valid = true
					recipient = rcpt
				}
			}
			if !valid {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), RecipientKey, recipient)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recipient extracts the authenticated recipient from context
func Recipient(ctx context.Context) string {
	if v, ok := ctx.Value(RecipientKey).(string); ok {
		return v
	}
	return ""
}
