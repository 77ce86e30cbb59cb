package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// rate limiting for the request.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a throttled request.
type DenyFunc func(w http.ResponseWriter, r *http.Request)

// Middleware returns HTTP middleware that enforces limiter per key. A limiter
// error is logged and the request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, deny DenyFunc, retryAfter int, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter failed, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys by the client IP in RemoteAddr. X-Forwarded-For is not
// trusted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
