package middleware

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/reliability"
	"github.com/raakeshmj/entitlements/internal/service"
)

// RateChecker is the part of the entitlement service the limiter needs.
type RateChecker interface {
	CheckRateLimit(ctx context.Context, userID uint, endpoint string, maxPerMinute int) (service.Decision, error)
}

type RateLimitOptions struct {
	Checker  RateChecker
	Config   *config.DynamicConfigManager
	Strategy reliability.FailureStrategy
	// OnDecision observes every outcome, for metrics.
	OnDecision func(reason service.Reason)
}

// RateLimit caps requests per user on endpoint. It must run after Identify;
// requests without a resolved user pass through.
func RateLimit(opts RateLimitOptions, endpoint string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			limit := GetPolicy(r.Context()).Rules.RequestsPerMinute
			if limit <= 0 {
				limit = opts.Config.GetPolicy().DefaultRequestsPerMinute
			}

			d, err := opts.Checker.CheckRateLimit(r.Context(), user.ID, endpoint, limit)
			if err != nil {
				if reliability.ShouldAllow(opts.Strategy, err) {
					log.Printf("Rate limiter error (fail open) user=%d endpoint=%s: %v", user.ID, endpoint, err)
					next.ServeHTTP(w, r)
					return
				}
				log.Printf("Rate limiter error (fail closed) user=%d endpoint=%s: %v", user.ID, endpoint, err)
				WriteError(w, http.StatusServiceUnavailable, "rate_limiter_unavailable", "please retry shortly")
				return
			}
			if opts.OnDecision != nil {
				opts.OnDecision(d.Reason)
			}

			remaining := d.Limit - d.Count
			if remaining < 0 || !d.Allowed {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(service.RateLimitWindow.Seconds())))

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(service.RateLimitWindow.Seconds())))
				WriteError(w, http.StatusTooManyRequests, string(service.ReasonRateLimitExceeded), service.LimitMessage(service.ReasonRateLimitExceeded))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
