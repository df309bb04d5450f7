package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/verdikta/arbiter/internal/model"
)

// kindRateLimited is the surface code for throttled requests. It is not
// part of the evaluation error taxonomy; 429 responses never reach the
// Chainlink job pipeline as verdict outcomes.
const kindRateLimited model.Kind = "RATE_LIMITED"

// KeyFunc extracts the rate limit key from a request. Returning an empty
// string skips rate limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter per keyFunc key. Denied requests get a
// 429 carrying the adapter error envelope; the job run ID is empty
// because the body has not been read at this point in the chain. Limiter
// malfunctions fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(model.AdapterResponse{
				StatusCode: http.StatusTooManyRequests,
				Status:     model.StatusErrored,
				Error: &model.ErrorDetail{
					Kind:    kindRateLimited,
					Message: "too many requests",
				},
			})
		})
	}
}

// IPKeyFunc extracts the client IP from the request for rate limiting.
// Uses RemoteAddr only. X-Forwarded-For is not trusted because any client
// can set it to bypass the limit; a trusted reverse proxy should rewrite
// RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
