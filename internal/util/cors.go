package util

import (
	"net/http"
	"strings"
)

// Origins is an allowlist of browser origins. An empty list or "*" allows any origin.
type Origins []string

// Allows reports whether origin may call the API or open a websocket.
// Requests without an Origin header (CLI tools, same-origin) are allowed.
func (o Origins) Allows(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(o) == 0 {
		return true
	}
	for _, allowed := range o {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// WithCORS adds CORS headers for the allowed origins and answers preflight requests.
func WithCORS(origins Origins, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origins.Allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
