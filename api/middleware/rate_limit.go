package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/splitledger-backend/pkg/redis"
)

type rateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (pkgredis.WindowResult, error)
}

// RateLimitPolicy defines a fixed-window limit per caller.
type RateLimitPolicy struct {
	name   string
	window time.Duration
	limit  int
}

// NewRateLimitPolicy builds a policy with the supplied window and limit.
func NewRateLimitPolicy(name string, window time.Duration, limit int) RateLimitPolicy {
	return RateLimitPolicy{
		name:   strings.ToLower(strings.TrimSpace(name)),
		window: window,
		limit:  limit,
	}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && p.limit > 0
}

func (p RateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "default"
	}
	return p.name
}

func (p RateLimitPolicy) scope(kind, caller string) string {
	return p.normalizedName() + ":" + kind + ":" + caller
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// RateLimit counts requests per user, falling back to the client IP when the
// route runs before Identity. Store errors fail the request as a dependency
// error rather than letting traffic through unmetered.
func RateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			caller := callerString(ctx)
			scope := "user"
			if caller == "" {
				caller = clientIP(r)
				scope = "ip"
			}

			res, err := store.FixedWindowAllow(ctx, policy.scope(scope, caller), int64(policy.limit), policy.window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining(), 10))
			if !res.Allowed {
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{
						"scope":          scope,
						"policy":         policy.normalizedName(),
						"attempts":       res.Count,
						"limit":          policy.limit,
						"reset_in_ms":    res.ResetIn.Milliseconds(),
						"window_seconds": int(policy.window.Seconds()),
					})
					logg.Warn(logCtx, "rate_limit.blocked")
				}
				w.Header().Set("Retry-After", retryAfterSeconds(res.ResetIn))
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
