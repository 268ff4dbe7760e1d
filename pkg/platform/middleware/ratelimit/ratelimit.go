// Package ratelimit throttles inbound requests per client IP.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"

	"eligibility/pkg/platform/httputil"
)

// Config controls the limiter. A zero RequestsPerSecond disables limiting.
type Config struct {
	RequestsPerSecond float64       `envconfig:"RPS" default:"0"`
	Burst             int           `envconfig:"BURST" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"3h"`
}

// Middleware returns a limiter middleware, or a pass-through when disabled.
// Burst defaults to twice the rate.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(2 * cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 3 * time.Hour
	}

	lmt := tollbooth.NewLimiter(cfg.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: cfg.CleanupInterval,
	})
	lmt.SetBurst(cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpErr := tollbooth.LimitByRequest(lmt, w, r); httpErr != nil {
				w.Header().Set("Retry-After", "1")
				httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":             "rate_limited",
					"error_description": httpErr.Message,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
