package middleware

import (
	"net/http"
)

// BodyLimit caps request bodies at maxBytes before any handler reads
// them. Per-plan body limits are enforced again after auth; this is the
// outer ceiling that protects the gateway itself.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
