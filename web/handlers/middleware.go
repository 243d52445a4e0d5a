// Package handlers provides the HTTP API, middleware and event stream for
// the recall server.
package handlers

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/scrypster/recall/internal/config"
)

const bearerPrefix = "Bearer "

// RequireAuth guards the /api routes. Production mode demands the configured
// token as a bearer credential; development mode lets every request through.
// Failures use the API's ErrorResponse shape.
func RequireAuth(next http.Handler, cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.SecurityMode == "development" {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenMatches(r.Header.Get("Authorization"), cfg.Server.APIToken) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="recall"`)
			respondError(w, http.StatusUnauthorized, "missing or invalid API token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenMatches compares in constant time. An unset token matches nothing.
func tokenMatches(header, expected string) bool {
	if expected == "" || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	token := strings.TrimPrefix(header, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// RateLimiter bounds the request rate shared by every client of the server.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter admitting reqPerSec sustained with burst
// headroom. A non-positive rate disables limiting.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	if reqPerSec <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst)}
}

// retryAfter is the wait until one more request would be admitted, in
// whole seconds.
func (rl *RateLimiter) retryAfter() int {
	limit := float64(rl.limiter.Limit())
	if limit <= 0 || math.IsInf(limit, 1) {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/limit)))
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After hint.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders marks every response as non-embeddable and keeps stored
// memories out of shared caches.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
