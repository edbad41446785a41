package middleware

import (
	"net/http"
	"strings"

	"workshop-backend/internal/service/response"
)

// CallerHeader names the caller identity that scopes cached responses. It is
// set by the gateway in front of this service.
const CallerHeader = "X-Caller-ID"

// Caller copies the caller identity into the request context so response
// cache keys never mix two callers' data.
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(response.WithCaller(r.Context(), caller)))
	})
}
