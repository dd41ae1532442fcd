package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	licenseErrors "desklicense/internal/errors"
)

// RateLimiter throttles the admin API with a token bucket.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimiter creates a new rate limiter with logging
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Handler implements rate limiting middleware
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if !rl.limiter.Allow() {
			rl.logger.LogAttrs(ctx, slog.LevelWarn, "rate limit exceeded",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			retry := 1
			if limit := float64(rl.limiter.Limit()); limit > 0 {
				retry = int(math.Ceil(1 / limit))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeProblem(w, r, licenseErrors.ErrRateLimitExceeded)
			return
		}

		next.ServeHTTP(w, r)
	})
}
